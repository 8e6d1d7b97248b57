package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vectorlab/aoploader/aop"
	"github.com/zoobzio/clockz"
)

const sectionBackoff = "__core__backoff"

// BackoffStrategy computes the next delay from the current one (spec.md
// §4.7): fixed(d)=d, linear(add)(d)=d+add, exponential(factor)(d)=d*factor.
type BackoffStrategy interface {
	Next(current time.Duration) time.Duration
}

type fixedStrategy struct{ delay time.Duration }

func (s fixedStrategy) Next(time.Duration) time.Duration { return s.delay }

// FixedBackoff always waits the same delay between attempts.
func FixedBackoff(delay time.Duration) BackoffStrategy { return fixedStrategy{delay: delay} }

type linearStrategy struct{ add time.Duration }

func (s linearStrategy) Next(current time.Duration) time.Duration { return current + s.add }

// LinearBackoff adds a fixed increment to the delay after every attempt.
func LinearBackoff(add time.Duration) BackoffStrategy { return linearStrategy{add: add} }

type exponentialStrategy struct{ factor float64 }

func (s exponentialStrategy) Next(current time.Duration) time.Duration {
	return time.Duration(float64(current) * s.factor)
}

// ExponentialBackoff multiplies the delay by factor after every attempt.
func ExponentialBackoff(factor float64) BackoffStrategy { return exponentialStrategy{factor: factor} }

// BackoffState is the loader's __core__backoff section: the configured
// strategy (nil disables backoff entirely) and the accumulator the aspect
// updates on every attempt.
type BackoffState struct {
	mu         sync.Mutex
	Strategy   BackoffStrategy
	NextDelay  time.Duration
	clock      clockz.Clock
	instr      *Instrumentation
	loaderID   string
}

func newBackoffState(strategy BackoffStrategy, initialDelay time.Duration, clock clockz.Clock, instr *Instrumentation, loaderID string) *BackoffState {
	return &BackoffState{Strategy: strategy, NextDelay: initialDelay, clock: clock, instr: instr, loaderID: loaderID}
}

// backoffAround implements spec.md §4.7: if no strategy is configured, it is
// a no-op; otherwise it advances nextDelay and registers a target wrapper
// that sleeps before calling the inner target. T is the loader's result
// type; the function is instantiated once per Loader[T] in backoffAspect.
func backoffAround[T any](_ context.Context, view *aop.RestrictedView, reg *aop.AroundRegistrar[T]) error {
	state, err := aop.GetSection[*BackoffState](view, sectionBackoff)
	if err != nil {
		return err
	}

	state.mu.Lock()
	strategy := state.Strategy
	current := state.NextDelay
	state.mu.Unlock()

	if strategy == nil {
		return nil
	}

	if current < 0 {
		return ErrBackoffDelayNegative
	}
	newDelay := strategy.Next(current)
	if newDelay < 0 {
		return ErrBackoffDelayNegative
	}

	state.mu.Lock()
	state.NextDelay = newDelay
	state.mu.Unlock()

	if newDelay == 0 {
		return nil
	}

	reg.AttachToTarget(func(next aop.Target[T]) aop.Target[T] {
		return func(ctx context.Context) (T, error) {
			waitCtx, span := state.instr.Tracer.StartSpan(ctx, SpanBackoffWait)
			span.SetTag(TagLoaderID, state.loaderID)
			span.SetTag(TagDelayMillis, fmt.Sprintf("%d", newDelay.Milliseconds()))

			state.instr.Metrics.Gauge(MetricBackoffWaitTime).Set(float64(newDelay.Milliseconds()))
			state.instr.Backoff.Emit(waitCtx, EventBackoffWaiting, BackoffEvent{ //nolint:errcheck
				LoaderID: state.loaderID, Delay: newDelay, Timestamp: state.clock.Now(),
			})
			select {
			case <-state.clock.After(newDelay):
			case <-ctx.Done():
				span.Finish()
				var zero T
				return zero, ctx.Err()
			}
			span.Finish()
			return next(waitCtx)
		}
	})
	return nil
}

func backoffAspect[T any]() aop.Aspect {
	return aop.Aspect{
		Name:   sectionBackoff,
		Around: aop.NewAroundAdvice[T](backoffAround[T], []string{sectionBackoff}, nil),
	}
}
