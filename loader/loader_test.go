package loader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vectorlab/aoploader/aop"
)

// TestLoaderS1RetryExceededAfterConfiguredAttempts covers spec.md §8 S1: a
// target that always fails exhausts maxCount+1 attempts and rejects with a
// RetryExceededSignal.
func TestLoaderS1RetryExceededAfterConfiguredAttempts(t *testing.T) {
	var calls int32
	l, err := New(Config[string]{
		Retry:   RetryConfig[string]{MaxCount: 2, CanRetryOnError: AlwaysRetry},
		Timeout: TimeoutConfig{Delay: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close() //nolint:errcheck

	target := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errors.New("x")
	}

	_, err = l.Execute(context.Background(), target)
	var exceeded *RetryExceededSignal
	if !errors.As(err, &exceeded) {
		t.Fatalf("got %v (%T), want *RetryExceededSignal", err, err)
	}
	if exceeded.MaxCount != 2 {
		t.Fatalf("MaxCount = %d, want 2", exceeded.MaxCount)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("target ran %d times, want 3", got)
	}
}

// TestLoaderS2TimeoutWinsOverSlowTarget covers spec.md §8 S2: a target that
// outlives the configured timeout rejects with a TimeoutSignal; the retry
// aspect never retries a TimeoutSignal.
func TestLoaderS2TimeoutWinsOverSlowTarget(t *testing.T) {
	l, err := New(Config[string]{
		Retry:   RetryConfig[string]{MaxCount: 1, CanRetryOnError: func(error) bool { return false }},
		Timeout: TimeoutConfig{Delay: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close() //nolint:errcheck

	target := func(context.Context) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}

	_, err = l.Execute(context.Background(), target)
	var ts *TimeoutSignal
	if !errors.As(err, &ts) {
		t.Fatalf("got %v (%T), want *TimeoutSignal", err, err)
	}
}

// TestLoaderS3OnDetermineErrorPicksFirstError covers spec.md §8 S3: a
// middleware's before advice fails and OnDetermineError selects the first
// error from the aggregate.
func TestLoaderS3OnDetermineErrorPicksFirstError(t *testing.T) {
	errMiddleware := errors.New("m")
	mw := Middleware{
		Name: "mw1",
		Aspect: aop.Aspect{
			Name: "mw1",
			Before: aop.NewBeforeAdvice(func(context.Context, *aop.RestrictedView) error {
				return errMiddleware
			}, nil, nil),
		},
	}

	l, err := New(Config[string]{
		Retry:       RetryConfig[string]{MaxCount: 0},
		Timeout:     TimeoutConfig{Delay: 5 * time.Second},
		Middlewares: []Middleware{mw},
		OnDetermineError: func(errs []error) error {
			if len(errs) == 0 {
				return nil
			}
			return errs[0]
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close() //nolint:errcheck

	target := func(context.Context) (string, error) {
		return "", errors.New("t")
	}

	_, err = l.Execute(context.Background(), target)
	if !errors.Is(err, errMiddleware) {
		t.Fatalf("got %v, want an error wrapping %q", err, "m")
	}
}

// TestLoaderS4RetryImmediatelyResolvesToFallback covers spec.md §8 S4: a
// target that calls retryImmediately with a fallback resolves the overall
// invocation to the fallback's value rather than retrying the real target.
func TestLoaderS4RetryImmediatelyResolvesToFallback(t *testing.T) {
	l, err := New(Config[string]{
		Retry:   RetryConfig[string]{MaxCount: 3, CanRetryOnError: AlwaysRetry},
		Timeout: TimeoutConfig{Delay: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close() //nolint:errcheck

	var attempts int32
	target := func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			opts, gerr := GetLoaderOptions[string](ctx)
			if gerr != nil {
				t.Fatalf("GetLoaderOptions: %v", gerr)
			}
			fallback := func(aop.Target[string]) aop.Target[string] {
				return func(context.Context) (string, error) { return "fb", nil }
			}
			return "", opts.Retry.RetryImmediately(fallback)
		}
		return "unreached", nil
	}

	result, err := l.Execute(context.Background(), target)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "fb" {
		t.Fatalf("got %v, want \"fb\"", result)
	}
}

// TestLoaderS5NestedPropagationRunsInnerTargetAcrossOuterRetries covers
// spec.md §8 S5: an inner loader configured with HAS_OUTER_CONTEXT
// propagation hands its RetrySignal up to the outer loader instead of
// retrying locally, so the outer loader's own retries re-run the inner
// loader (and its target) on every attempt.
func TestLoaderS5NestedPropagationRunsInnerTargetAcrossOuterRetries(t *testing.T) {
	inner, err := New(Config[string]{
		Retry:          RetryConfig[string]{MaxCount: 1, CanRetryOnError: AlwaysRetry},
		Timeout:        TimeoutConfig{Delay: 5 * time.Second},
		PropagateRetry: PropagationHasOuterContext,
	})
	if err != nil {
		t.Fatalf("New(inner): %v", err)
	}
	defer inner.Close() //nolint:errcheck

	outer, err := New(Config[string]{
		Retry:   RetryConfig[string]{MaxCount: 2, CanRetryOnError: AlwaysRetry},
		Timeout: TimeoutConfig{Delay: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("New(outer): %v", err)
	}
	defer outer.Close() //nolint:errcheck

	var innerCalls int32
	innerTarget := func(context.Context) (string, error) {
		atomic.AddInt32(&innerCalls, 1)
		return "", errors.New("fail")
	}
	outerTarget := func(ctx context.Context) (string, error) {
		_, ierr := inner.Execute(ctx, innerTarget)
		return "", ierr
	}

	_, err = outer.Execute(context.Background(), outerTarget)
	var exceeded *RetryExceededSignal
	if !errors.As(err, &exceeded) {
		t.Fatalf("got %v (%T), want *RetryExceededSignal", err, err)
	}
	if got := atomic.LoadInt32(&innerCalls); got != 3 {
		t.Fatalf("inner target ran %d times, want 3 (one per outer attempt)", got)
	}
}

// TestLoaderDetermineErrorPrefersSignalOverOrdinaryError covers spec.md §9's
// signal-priority property: when a RetrySignal and a plain middleware error
// are both present after an attempt, determineError picks the signal.
func TestLoaderDetermineErrorPrefersSignalOverOrdinaryError(t *testing.T) {
	mw := Middleware{
		Name: "mw1",
		Aspect: aop.Aspect{
			Name: "mw1",
			AfterThrowing: aop.NewAfterThrowingAdvice(func(context.Context, *aop.RestrictedView, error) error {
				return errors.New("user-err")
			}, nil, nil),
		},
	}

	l, err := New(Config[string]{
		Retry:       RetryConfig[string]{MaxCount: 3, CanRetryOnError: AlwaysRetry},
		Timeout:     TimeoutConfig{Delay: 5 * time.Second},
		Middlewares: []Middleware{mw},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close() //nolint:errcheck

	var calls int32
	target := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", errors.New("original")
	}

	_, err = l.Execute(context.Background(), target)
	// The RetrySignal wins every time the attempt count is below maxCount, so
	// the loader keeps retrying; once attempts are exhausted the highest
	// priority signal left standing is the RetryExceededSignal, still beating
	// the plain "user-err" from the middleware.
	var exceeded *RetryExceededSignal
	if !errors.As(err, &exceeded) {
		t.Fatalf("got %v (%T), want *RetryExceededSignal (a signal must always outrank the plain middleware error)", err, err)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("target ran %d times, want 4 (maxCount+1)", got)
	}
}

// TestLoaderPropagationNeverConsumesRetryLocallyRegardlessOfHierarchy checks
// that a loader configured with PropagationNever retries locally even when
// nested under another loader's hierarchy.
func TestLoaderPropagationNeverConsumesRetryLocallyRegardlessOfHierarchy(t *testing.T) {
	inner, err := New(Config[string]{
		Retry:          RetryConfig[string]{MaxCount: 1, CanRetryOnError: AlwaysRetry},
		Timeout:        TimeoutConfig{Delay: 5 * time.Second},
		PropagateRetry: PropagationNever,
	})
	if err != nil {
		t.Fatalf("New(inner): %v", err)
	}
	defer inner.Close() //nolint:errcheck

	outer, err := New(Config[string]{
		Retry:   RetryConfig[string]{MaxCount: 5, CanRetryOnError: AlwaysRetry},
		Timeout: TimeoutConfig{Delay: 5 * time.Second},
	})
	if err != nil {
		t.Fatalf("New(outer): %v", err)
	}
	defer outer.Close() //nolint:errcheck

	var innerCalls int32
	innerTarget := func(context.Context) (string, error) {
		atomic.AddInt32(&innerCalls, 1)
		return "", errors.New("fail")
	}
	outerTarget := func(ctx context.Context) (string, error) {
		_, ierr := inner.Execute(ctx, innerTarget)
		return "", ierr
	}

	_, err = outer.Execute(context.Background(), outerTarget)
	var exceeded *RetryExceededSignal
	if !errors.As(err, &exceeded) {
		t.Fatalf("got %v (%T), want *RetryExceededSignal", err, err)
	}
	// The inner loader exhausts its own 2 attempts (maxCount=1) on the very
	// first outer call and never propagates, so the outer loader only ever
	// sees a single failing call to Execute.
	if got := atomic.LoadInt32(&innerCalls); got != 2 {
		t.Fatalf("inner target ran %d times, want 2 (consumed locally, no propagation)", got)
	}
}
