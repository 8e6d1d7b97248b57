package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/vectorlab/aoploader/aop"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

const sectionRetry = "__core__retry"

// RetryPredicate decides whether a given error should trigger another
// attempt. AlwaysRetry is the Go rendering of the spec's `canRetryOnError ===
// true` boolean form.
type RetryPredicate func(err error) bool

// AlwaysRetry is a RetryPredicate that retries on every non-signal error.
func AlwaysRetry(error) bool { return true }

type retryMatcher[T any] struct {
	predicate RetryPredicate
	factory   aop.Wrapper[T]
}

// RetryState is the loader's __core__retry section (spec.md §3's "Retry
// state"): attempt count, configured maximum, retryability predicate,
// lifecycle callbacks, and the three-slot fallback model.
type RetryState[T any] struct {
	mu              sync.Mutex
	Count           int
	MaxCount        int
	CanRetryOnError RetryPredicate
	OnRetryEach     func(attempt int)
	OnRetryExceeded func(maxCount int)

	Initial     aop.Wrapper[T]
	Immediate   aop.Wrapper[T]
	Conditional aop.Wrapper[T]
	Matchers    []retryMatcher[T]

	pendingTarget aop.Wrapper[T]

	clock    clockz.Clock
	instr    *Instrumentation
	loaderID string
}

func newRetryState[T any](maxCount int, canRetry RetryPredicate, clock clockz.Clock, instr *Instrumentation, loaderID string) *RetryState[T] {
	return &RetryState[T]{MaxCount: maxCount, CanRetryOnError: canRetry, clock: clock, instr: instr, loaderID: loaderID}
}

// RetryImmediately sets the immediate fallback slot and raises a RetrySignal
// synchronously, for use from inside target code (spec.md §4.10).
func RetryImmediately[T any](state *RetryState[T], fallback aop.Wrapper[T]) error {
	state.mu.Lock()
	state.Immediate = fallback
	count := state.Count
	state.mu.Unlock()
	return &RetrySignal{Attempt: count + 1}
}

// RetryFallback appends a conditional fallback matcher considered on the
// next failure.
func RetryFallback[T any](state *RetryState[T], when RetryPredicate, fallback aop.Wrapper[T]) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.Matchers = append(state.Matchers, retryMatcher[T]{predicate: when, factory: fallback})
}

// ResetRetryCount zeroes the attempt counter (spec.md's round-trip property:
// "resetRetryCount() followed by n failures triggers exactly n more
// retries").
func ResetRetryCount[T any](state *RetryState[T]) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.Count = 0
}

// retryBefore implements spec.md §4.8's before step: invoke onRetryEach past
// the first attempt, resolve the upcoming attempt's fallback by priority
// (immediate > conditional > initial), then clear the per-attempt slots (the
// initial slot persists).
func retryBefore[T any](_ context.Context, view *aop.RestrictedView) error {
	state, err := aop.GetSection[*RetryState[T]](view, sectionRetry)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.Count > 0 && state.OnRetryEach != nil {
		state.OnRetryEach(state.Count)
	}

	switch {
	case state.Immediate != nil:
		state.pendingTarget = state.Immediate
	case state.Conditional != nil:
		state.pendingTarget = state.Conditional
	default:
		state.pendingTarget = state.Initial
	}
	state.Matchers = nil
	state.Immediate = nil
	state.Conditional = nil
	return nil
}

// retryAround registers the resolved fallback, if any, as a result wrapper
// that replaces the target outright for this attempt, and wraps the target
// in a per-attempt span (SpanAttempt) so each attempt is independently
// traceable under the parent SpanExecute span started by Loader.Execute.
func retryAround[T any](_ context.Context, view *aop.RestrictedView, reg *aop.AroundRegistrar[T]) error {
	state, err := aop.GetSection[*RetryState[T]](view, sectionRetry)
	if err != nil {
		return err
	}

	state.mu.Lock()
	count := state.Count
	fallback := state.pendingTarget
	state.mu.Unlock()

	if count > 0 && fallback != nil {
		reg.AttachToResult(fallback)
	}

	reg.AttachToTarget(func(next aop.Target[T]) aop.Target[T] {
		return func(ctx context.Context) (T, error) {
			attemptCtx, span := state.instr.Tracer.StartSpan(ctx, SpanAttempt)
			span.SetTag(TagLoaderID, state.loaderID)
			span.SetTag(TagAttempt, fmt.Sprintf("%d", count+1))
			defer span.Finish()

			result, targetErr := next(attemptCtx)
			if sig, ok := aop.AsSignal(targetErr); ok {
				span.SetTag(TagSignal, fmt.Sprintf("%T", sig))
			}
			return result, targetErr
		}
	})
	return nil
}

// retryAfterThrowing implements spec.md §4.8's afterThrowing step.
func retryAfterThrowing[T any](ctx context.Context, view *aop.RestrictedView, thrown error) error {
	state, err := aop.GetSection[*RetryState[T]](view, sectionRetry)
	if err != nil {
		return err
	}

	_, isSignal := thrown.(aop.Signal)
	_, isRetrySignal := thrown.(*RetrySignal)
	if isSignal && !isRetrySignal {
		return nil // a non-retry signal propagates up unchanged.
	}

	retryable := isSignal // a RetrySignal is always retryable here.
	if !isSignal {
		state.mu.Lock()
		pred := state.CanRetryOnError
		state.mu.Unlock()
		retryable = pred != nil && pred(thrown)
	}
	if !retryable {
		return nil
	}

	state.mu.Lock()
	count := state.Count
	maxCount := state.MaxCount
	if count+1 > maxCount {
		state.mu.Unlock()
		if state.OnRetryExceeded != nil {
			state.OnRetryExceeded(maxCount)
		}
		state.instr.Metrics.Counter(MetricRetryExhausted).Inc()
		state.instr.Retry.Emit(ctx, EventRetryExceeded, RetryEvent{ //nolint:errcheck
			LoaderID: state.loaderID, Attempt: count, MaxCount: maxCount, Err: thrown, Timestamp: state.clock.Now(),
		})
		capitan.Info(ctx, EventRetryExceededEvent,
			FieldLoaderID.Field(state.loaderID),
			FieldAttempt.Field(count),
			FieldMaxCount.Field(maxCount),
		)
		return &RetryExceededSignal{MaxCount: maxCount}
	}

	state.Count = count + 1
	newCount := state.Count

	effective := thrown
	if rs, ok := thrown.(*RetrySignal); ok && rs.ErrorReason != nil {
		effective = rs.ErrorReason
	}

	var conditional aop.Wrapper[T]
	for _, m := range state.Matchers {
		if m.predicate(effective) {
			conditional = m.factory
			break
		}
	}
	state.Conditional = conditional
	state.mu.Unlock()

	state.instr.Metrics.Counter(MetricRetriesTotal).Inc()
	state.instr.Retry.Emit(ctx, EventRetryAttempt, RetryEvent{ //nolint:errcheck
		LoaderID: state.loaderID, Attempt: newCount, MaxCount: maxCount, Err: thrown, Timestamp: state.clock.Now(),
	})

	return &RetrySignal{ErrorReason: effective, Attempt: newCount}
}

func retryAspect[T any]() aop.Aspect {
	return aop.Aspect{
		Name:          sectionRetry,
		Before:        aop.NewBeforeAdvice(retryBefore[T], []string{sectionRetry}, nil),
		Around:        aop.NewAroundAdvice[T](retryAround[T], []string{sectionRetry}, []aop.Name{sectionTimeout}),
		AfterThrowing: aop.NewAfterThrowingAdvice(retryAfterThrowing[T], []string{sectionRetry}, nil),
	}
}
