package loader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vectorlab/aoploader/aop"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// RetryConfig configures the __core__retry built-in aspect.
type RetryConfig[T any] struct {
	MaxCount        int
	CanRetryOnError RetryPredicate
	Fallback        aop.Wrapper[T]
	OnRetryEach     func(attempt int)
	OnRetryExceeded func(maxCount int)
}

// TimeoutConfig configures the __core__timeout built-in aspect.
type TimeoutConfig struct {
	Delay     time.Duration
	OnTimeout func()
}

// BackoffConfig configures the __core__backoff built-in aspect. A nil
// *BackoffConfig on Config disables backoff entirely.
type BackoffConfig struct {
	Strategy     BackoffStrategy
	InitialDelay time.Duration
}

// Middleware is a user-supplied aspect plus the generator for its own
// shared-context section, keyed under its declared Name (spec.md §4.10).
type Middleware struct {
	Name      aop.Name
	Aspect    aop.Aspect
	Generator func() any
}

// Config is a Loader's construction input (spec.md §6's "Loader construction
// input").
type Config[T any] struct {
	Retry            RetryConfig[T]
	Timeout          TimeoutConfig
	Backoff          *BackoffConfig
	PropagateRetry   PropagationPolicy
	Middlewares      []Middleware
	OnDetermineError func(errs []error) error
	OnHandleError    func(ctx context.Context, err error) (any, error)
	Clock            clockz.Clock
}

// Loader is the facade tying the three built-in aspects and any middlewares
// into one aop.Process, per-invocation retry/timeout/backoff state, and the
// hierarchy-aware propagation decision (spec.md §4.10).
type Loader[T any] struct {
	id    string
	cfg   Config[T]
	clock clockz.Clock
	instr *Instrumentation
	proc  *aop.Process[T]
}

// New validates cfg, builds the underlying aop.Process, and returns a ready
// Loader. Invalid retry/timeout/backoff settings return this package's
// ErrXxx sentinels; a middleware name collision returns a
// *MiddlewareInvalidSignal (which wraps ErrDuplicateMiddlewareName); an
// invalid aspect graph returns aop.NewProcess's error.
func New[T any](cfg Config[T]) (*Loader[T], error) {
	if cfg.Retry.MaxCount < 0 {
		return nil, ErrRetryCountNegative
	}
	if cfg.Timeout.Delay < 0 {
		return nil, ErrTimeoutDelayNegative
	}
	if cfg.Timeout.Delay == time.Duration(math.MaxInt64) {
		return nil, ErrTimeoutDelayInfinite
	}
	if cfg.Backoff != nil && cfg.Backoff.InitialDelay < 0 {
		return nil, ErrBackoffDelayNegative
	}

	id, err := newLoaderID()
	if err != nil {
		return nil, err
	}

	builtin := map[string]struct{}{
		sectionBackoff:  {},
		sectionTimeout:  {},
		sectionRetry:    {},
		sectionMetadata: {},
	}
	seen := make(map[string]struct{}, len(cfg.Middlewares))
	for _, mw := range cfg.Middlewares {
		if _, ok := builtin[mw.Name]; ok {
			return nil, middlewareInvalid(id, mw.Name)
		}
		if _, ok := seen[mw.Name]; ok {
			return nil, middlewareInvalid(id, mw.Name)
		}
		seen[mw.Name] = struct{}{}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	instr := NewInstrumentation()

	l := &Loader[T]{id: id, cfg: cfg, clock: clock, instr: instr}

	aspects := make([]aop.Aspect, 0, len(cfg.Middlewares)+3)
	aspects = append(aspects, backoffAspect[T](), timeoutAspect[T](), retryAspect[T]())
	for _, mw := range cfg.Middlewares {
		aspects = append(aspects, mw.Aspect)
	}

	buildOpts := aop.DefaultBuildOptions()
	buildOpts.AfterThrowing.AfterThrow = aop.Halt

	proc, err := aop.NewProcess[T](aop.ProcessInput[T]{
		Aspects:      aspects,
		BuildOptions: &buildOpts,
		ProcessOptions: &aop.ProcessOptions[T]{
			DetermineError: l.determineError,
			HandleError:    l.handleError,
		},
	})
	if err != nil {
		instr.Close() //nolint:errcheck
		return nil, err
	}
	l.proc = proc
	return l, nil
}

// middlewareInvalid builds the MiddlewareInvalidSignal for a colliding
// middleware name and emits the corresponding capitan signal (the loader
// isn't fully constructed yet at this point, so there is no Instrumentation
// to route through — this is the one structural event capitan carries on
// its own, the same way the teacher emits construction-time signals before
// any per-instance tracer/hooks exist).
func middlewareInvalid(loaderID string, name aop.Name) error {
	capitan.Warn(context.Background(), EventMiddlewareInvalid,
		FieldLoaderID.Field(loaderID),
		FieldSignalName.Field(name),
	)
	return &MiddlewareInvalidSignal{Name: name}
}

// ID returns the loader's generated identifier.
func (l *Loader[T]) ID() string { return l.id }

// Close releases the loader's own instrumentation and its process's.
func (l *Loader[T]) Close() error {
	if err := l.proc.Close(); err != nil {
		return err
	}
	return l.instr.Close()
}

// Execute runs target through the loader's process (spec.md §4.10's
// "Execution"): it pushes the loader's identifier onto the ambient hierarchy
// (inheriting any enclosing hierarchy observed on ctx) before invoking the
// process.
func (l *Loader[T]) Execute(ctx context.Context, target aop.Target[T]) (any, error) {
	ctx, span := l.instr.Tracer.StartSpan(ctx, SpanExecute)
	span.SetTag(TagLoaderID, l.id)
	if len(l.cfg.Middlewares) > 0 {
		names := make([]string, len(l.cfg.Middlewares))
		for i, mw := range l.cfg.Middlewares {
			names[i] = mw.Name
		}
		span.SetTag(TagMiddleware, strings.Join(names, ","))
	}
	defer span.Finish()

	parent := l.parentHierarchy(ctx)
	generator := l.newContextGenerator(parent)
	ctx = withTarget[T](ctx, target)
	result, err := l.proc.Invoke(ctx, generator, target)
	if err != nil {
		if sig, ok := aop.AsSignal(err); ok {
			span.SetTag(TagSignal, fmt.Sprintf("%T", sig))
			if rs, ok := sig.(*RetrySignal); ok && rs.Propagated {
				span.SetTag(TagPropagated, "true")
			}
		}
	}
	return result, err
}

func (l *Loader[T]) parentHierarchy(ctx context.Context) []string {
	shared, err := aop.Current(ctx)
	if err != nil {
		return nil
	}
	meta, ok := shared[sectionMetadata].(*LoaderMetadata)
	if !ok {
		return nil
	}
	return meta.Snapshot()
}

func (l *Loader[T]) newContextGenerator(parentHierarchy []string) aop.ContextGenerator {
	return func() aop.SharedContext {
		sc := aop.SharedContext{
			sectionBackoff:  l.newBackoffState(),
			sectionTimeout:  newTimeoutState(l.cfg.Timeout.Delay, l.clock, l.instr, l.id, l.cfg.Timeout.OnTimeout),
			sectionRetry:    l.newRetryState(),
			sectionMetadata: newLoaderMetadata(parentHierarchy, l.id),
		}
		for _, mw := range l.cfg.Middlewares {
			if mw.Generator != nil {
				sc[mw.Name] = mw.Generator()
			}
		}
		return sc
	}
}

func (l *Loader[T]) newBackoffState() *BackoffState {
	var strategy BackoffStrategy
	var initial time.Duration
	if l.cfg.Backoff != nil {
		strategy = l.cfg.Backoff.Strategy
		initial = l.cfg.Backoff.InitialDelay
	}
	return newBackoffState(strategy, initial, l.clock, l.instr, l.id)
}

func (l *Loader[T]) newRetryState() *RetryState[T] {
	state := newRetryState[T](l.cfg.Retry.MaxCount, l.cfg.Retry.CanRetryOnError, l.clock, l.instr, l.id)
	state.Initial = l.cfg.Retry.Fallback
	state.OnRetryEach = l.cfg.Retry.OnRetryEach
	state.OnRetryExceeded = l.cfg.Retry.OnRetryExceeded
	return state
}

// determineError picks the highest-priority signal from errs, falling back
// to the user's OnDetermineError, then the first error.
func (l *Loader[T]) determineError(errs []error) error {
	if chosen, ok := aop.HighestPrioritySignal(signalsOnly(errs)); ok {
		l.instr.Metrics.Counter(MetricSignalsPromoted).Inc()
		capitan.Info(context.Background(), EventSignalPromoted,
			FieldLoaderID.Field(l.id),
			FieldSignalName.Field(fmt.Sprintf("%T", chosen)),
		)
		return chosen
	}
	if l.cfg.OnDetermineError != nil {
		return l.cfg.OnDetermineError(errs)
	}
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// signalsOnly filters errs down to those that are (or wrap) a Signal,
// returning the unwrapped Signal values themselves. An advice body or target
// may return a Signal wrapped in another error, and callers further down
// (handleError's type switches) need the bare value.
func signalsOnly(errs []error) []error {
	out := make([]error, 0, len(errs))
	for _, e := range errs {
		if sig, ok := aop.AsSignal(e); ok {
			out = append(out, sig)
		}
	}
	return out
}

// handleError implements spec.md §4.10's handleError: a RetrySignal either
// propagates (marked) to an enclosing loader or re-enters this loader's
// process with the same shared context (so retry/backoff/timeout state
// persists across attempts); any other signal re-raises; a non-signal error
// delegates to the user's OnHandleError or re-raises.
func (l *Loader[T]) handleError(ctx context.Context, err error) (any, error) {
	if rs, ok := err.(*RetrySignal); ok {
		return l.handleRetrySignal(ctx, rs)
	}
	if _, ok := err.(aop.Signal); ok {
		return nil, err
	}
	if l.cfg.OnHandleError != nil {
		return l.cfg.OnHandleError(ctx, err)
	}
	return nil, err
}

func (l *Loader[T]) handleRetrySignal(ctx context.Context, rs *RetrySignal) (any, error) {
	// ctx here is still inside this invocation's own scope, so Current(ctx)
	// yields this loader's own (already-pushed) hierarchy, ending in l.id.
	hierarchy := l.parentHierarchy(ctx)
	if l.cfg.PropagateRetry.shouldPropagate(l.id, hierarchy) {
		return nil, &RetrySignal{ErrorReason: rs.ErrorReason, Attempt: rs.Attempt, Propagated: true}
	}

	shared, err := aop.Current(ctx)
	if err != nil {
		return nil, err
	}
	target, ok := targetFromContext[T](ctx)
	if !ok {
		return nil, ErrNoTargetForRetry
	}
	return aop.ExitOuter(ctx, func(parentCtx context.Context) (any, error) {
		return l.proc.Invoke(parentCtx, func() aop.SharedContext { return shared }, target)
	})
}

type targetContextKey[T any] struct{}

func withTarget[T any](ctx context.Context, target aop.Target[T]) context.Context {
	return context.WithValue(ctx, targetContextKey[T]{}, target)
}

func targetFromContext[T any](ctx context.Context) (aop.Target[T], bool) {
	t, ok := ctx.Value(targetContextKey[T]{}).(aop.Target[T])
	return t, ok
}

func newLoaderID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("loader: generating loader id: %w", err)
	}
	return "loader-" + hex.EncodeToString(buf), nil
}

// MiddlewareOptions returns the named middleware's own section for
// read-only inspection from inside target or middleware advice code
// (spec.md §4.10's middlewareOptions()). Built-in section names are
// rejected since they have their own typed accessors (LoaderOptions).
func MiddlewareOptions(ctx context.Context, name aop.Name) (any, error) {
	if name == sectionBackoff || name == sectionTimeout || name == sectionRetry || name == sectionMetadata {
		return nil, aop.ErrUndeclaredSection
	}
	shared, err := aop.Current(ctx)
	if err != nil {
		return nil, err
	}
	return shared[name], nil
}

// RetryOptions is the read/reset surface over a running invocation's retry
// state.
type RetryOptions[T any] struct {
	state *RetryState[T]
}

func (o RetryOptions[T]) Count() int {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	return o.state.Count
}

func (o RetryOptions[T]) MaxCount() int {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	return o.state.MaxCount
}

func (o RetryOptions[T]) ResetCount() { ResetRetryCount(o.state) }

// RetryImmediately sets the immediate fallback for the next attempt and
// raises a RetrySignal synchronously (spec.md §4.10's retryImmediately()).
func (o RetryOptions[T]) RetryImmediately(fallback aop.Wrapper[T]) error {
	return RetryImmediately(o.state, fallback)
}

// RetryFallback appends a conditional fallback matcher considered on the
// next failure (spec.md §4.10's retryFallback()).
func (o RetryOptions[T]) RetryFallback(when RetryPredicate, fallback aop.Wrapper[T]) {
	RetryFallback(o.state, when, fallback)
}

// TimeoutOptions is the read/reset surface over a running invocation's
// timeout state.
type TimeoutOptions struct {
	state *TimeoutState
}

func (o TimeoutOptions) Delay() time.Duration {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	return o.state.Delay
}

// ElapsedTime returns now - startTime, or zero before the first attempt has
// started.
func (o TimeoutOptions) ElapsedTime() time.Duration {
	o.state.mu.Lock()
	start := o.state.StartTime
	clock := o.state.clock
	o.state.mu.Unlock()
	if start.IsZero() {
		return 0
	}
	return clock.Now().Sub(start)
}

// ResetTimeout resets the pending deadline (if any) back to the initial
// delay.
func (o TimeoutOptions) ResetTimeout() error {
	o.state.mu.Lock()
	deadline := o.state.Deadline
	o.state.mu.Unlock()
	if deadline == nil {
		return nil
	}
	return deadline.ResetTimeout(nil)
}

// LoaderOptions bundles the retry/timeout/metadata accessors returned by
// GetLoaderOptions (spec.md §4.10's loaderOptions()).
type LoaderOptions[T any] struct {
	Retry    RetryOptions[T]
	Timeout  TimeoutOptions
	Metadata []string
}

// GetLoaderOptions reads the current invocation's built-in sections from the
// ambient context, for use from inside target or middleware advice code.
func GetLoaderOptions[T any](ctx context.Context) (LoaderOptions[T], error) {
	shared, err := aop.Current(ctx)
	if err != nil {
		return LoaderOptions[T]{}, err
	}
	retryState, ok := shared[sectionRetry].(*RetryState[T])
	if !ok {
		return LoaderOptions[T]{}, aop.ErrUndeclaredSection
	}
	timeoutState, ok := shared[sectionTimeout].(*TimeoutState)
	if !ok {
		return LoaderOptions[T]{}, aop.ErrUndeclaredSection
	}
	var hierarchy []string
	if meta, ok := shared[sectionMetadata].(*LoaderMetadata); ok {
		hierarchy = meta.Snapshot()
	}
	return LoaderOptions[T]{
		Retry:    RetryOptions[T]{state: retryState},
		Timeout:  TimeoutOptions{state: timeoutState},
		Metadata: hierarchy,
	}, nil
}
