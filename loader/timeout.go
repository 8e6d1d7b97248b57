package loader

import (
	"context"
	"sync"
	"time"

	"github.com/vectorlab/aoploader/aop"
	"github.com/zoobzio/clockz"
)

const sectionTimeout = "__core__timeout"

// TimeoutState is the loader's __core__timeout section: the configured
// initial delay, the currently pending DynamicDeadline (nil between attempts
// or once canceled), and the attempt's start time.
type TimeoutState struct {
	mu        sync.Mutex
	Delay     time.Duration
	Deadline  *DynamicDeadline
	StartTime time.Time
	clock     clockz.Clock
	instr     *Instrumentation
	loaderID  string
	onTimeout func()
}

func newTimeoutState(delay time.Duration, clock clockz.Clock, instr *Instrumentation, loaderID string, onTimeout func()) *TimeoutState {
	return &TimeoutState{Delay: delay, clock: clock, instr: instr, loaderID: loaderID, onTimeout: onTimeout}
}

// timeoutAround implements spec.md §4.9's around step: if there is no
// pending deadline, create one and register a target wrapper racing the
// inner target against it. It depends on the backoff aspect, so its wrapper
// is registered after (and therefore wraps) the backoff wrapper; since the
// deadline starts counting here, any backoff sleep counts against it.
func timeoutAround[T any](_ context.Context, view *aop.RestrictedView, reg *aop.AroundRegistrar[T]) error {
	state, err := aop.GetSection[*TimeoutState](view, sectionTimeout)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if state.Deadline == nil {
		deadline, derr := NewDynamicDeadline(state.clock, &TimeoutSignal{Delay: int64(state.Delay)}, state.Delay)
		if derr != nil {
			state.mu.Unlock()
			return derr
		}
		state.Deadline = deadline
		state.StartTime = state.clock.Now()
	}
	deadline := state.Deadline
	state.mu.Unlock()

	reg.AttachToTarget(func(next aop.Target[T]) aop.Target[T] {
		return func(ctx context.Context) (T, error) {
			resultCh := make(chan struct {
				v   T
				err error
			}, 1)
			go func() {
				v, err := next(ctx)
				resultCh <- struct {
					v   T
					err error
				}{v, err}
			}()

			select {
			case r := <-resultCh:
				return r.v, r.err
			case rejectErr := <-deadline.Promise():
				state.instr.Metrics.Counter(MetricTimeoutsTotal).Inc()
				var zero T
				return zero, rejectErr
			}
		}
	})
	return nil
}

// timeoutAfterReturning cancels the pending deadline on success, per the
// spec's "always cancels the pending deadline to avoid timer leaks" rule.
func timeoutAfterReturning(_ context.Context, view *aop.RestrictedView) error {
	state, err := aop.GetSection[*TimeoutState](view, sectionTimeout)
	if err != nil {
		return err
	}
	state.mu.Lock()
	deadline := state.Deadline
	state.Deadline = nil
	state.mu.Unlock()
	if deadline != nil {
		deadline.CancelTimeout()
	}
	return nil
}

// timeoutAfterThrowing cancels the pending deadline, then invokes onTimeout
// when the chain is failing with a TimeoutSignal.
func timeoutAfterThrowing(ctx context.Context, view *aop.RestrictedView, thrown error) error {
	state, err := aop.GetSection[*TimeoutState](view, sectionTimeout)
	if err != nil {
		return err
	}
	state.mu.Lock()
	deadline := state.Deadline
	state.Deadline = nil
	state.mu.Unlock()
	if deadline != nil {
		deadline.CancelTimeout()
	}

	if _, ok := thrown.(*TimeoutSignal); ok {
		if state.onTimeout != nil {
			state.onTimeout()
		}
		elapsed := state.clock.Now().Sub(state.StartTime)
		state.instr.Timeout.Emit(ctx, EventTimeoutFired, TimeoutEvent{ //nolint:errcheck
			LoaderID: state.loaderID, Delay: state.Delay, Elapsed: elapsed, Timestamp: state.clock.Now(),
		})
	}
	return nil
}

func timeoutAspect[T any]() aop.Aspect {
	return aop.Aspect{
		Name:           sectionTimeout,
		Around:         aop.NewAroundAdvice[T](timeoutAround[T], []string{sectionTimeout}, []aop.Name{sectionBackoff}),
		AfterReturning: aop.NewAfterReturningAdvice(timeoutAfterReturning, []string{sectionTimeout}, nil),
		AfterThrowing:  aop.NewAfterThrowingAdvice(timeoutAfterThrowing, []string{sectionTimeout}, nil),
	}
}
