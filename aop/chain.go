package aop

import (
	"context"
	"time"
)

// chainState is the ambient chain bindings described in spec §4.6: the
// pending halt rejection (if any) and the accumulated continued-rejections
// list.
type chainState struct {
	haltRejection error
	continued     []error
}

// runChain sequences before -> around -> target -> (afterReturning |
// afterThrowing) -> after against shared, per spec §4.6. It returns the
// target's result (zero value if the chain halted) and the final chainState
// for the two-phase exit in process.go to consume.
func runChain[T any](ctx context.Context, instr *Instrumentation, org *Organizer, opts BuildOptions, shared SharedContext, target Target[T]) (T, *chainState) {
	state := &chainState{}

	runKind := func(kind AdviceKind, extra any) {
		if state.haltRejection != nil && kind != After {
			return
		}
		err := org.Run(ctx, kind, shared, extra)
		if err == nil {
			return
		}
		if _, ok := err.(*Rejection); !ok {
			state.haltRejection = NewUnknownRejection(err)
			instr.emit(ctx, EventChainHalted, ChainEvent{Kind: kind, Rejected: true, Err: err, Timestamp: time.Now()})
			return
		}
		if opts.forKind(kind).AfterThrow == Halt {
			state.haltRejection = err
			instr.emit(ctx, EventChainHalted, ChainEvent{Kind: kind, Rejected: true, Err: err, Timestamp: time.Now()})
		} else {
			state.continued = append(state.continued, err)
			instr.emit(ctx, EventChainContinued, ChainEvent{Kind: kind, Rejected: true, Err: err, Timestamp: time.Now()})
		}
	}

	var result T

	runKind(Before, nil)

	if state.haltRejection == nil {
		registrar := &AroundRegistrar[T]{}
		runKind(Around, registrar)

		if state.haltRejection == nil {
			resolver := NewAroundResolver[T](registrar)
			composed := resolver.Resolve(ctx, target, chainContinuation[T](state, runKind))
			if r, err := composed(ctx); err == nil {
				result = r
			}
		}
	}

	runKind(After, nil)

	return result, state
}

// chainContinuation builds the Around resolver's `next` continuation: call
// the (possibly target-wrapped) composed target, then run afterReturning on
// success or afterThrowing on failure, with the same halt/continue
// bookkeeping every other kind uses.
func chainContinuation[T any](state *chainState, runKind func(AdviceKind, any)) func(Target[T]) Target[T] {
	return func(wrapped Target[T]) Target[T] {
		return func(ctx context.Context) (T, error) {
			result, targetErr := func() (r T, e error) {
				defer recoverToRejection(&e, Before, "", OriginTarget)
				return wrapped(ctx)
			}()
			if targetErr != nil {
				var targetRejection error
				if rej, ok := targetErr.(*Rejection); ok {
					targetRejection = rej
				} else {
					targetRejection = NewTargetRejection(targetErr)
				}
				// state.haltRejection is still nil here (runChain only reaches
				// the target once before/around have not halted), so
				// afterThrowing is free to run; it may promote its own
				// rejection over the target's by halting itself.
				runKind(AfterThrowing, targetErr)
				if state.haltRejection == nil {
					state.haltRejection = targetRejection
				}
				var zero T
				return zero, state.haltRejection
			}

			runKind(AfterReturning, nil)
			if state.haltRejection != nil {
				var zero T
				return zero, state.haltRejection
			}
			return result, nil
		}
	}
}
