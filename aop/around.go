package aop

import (
	"context"
	"sync"
)

// AroundRegistrar is the two-function API an Around advice body receives: it
// may push zero or more target wrappers (innermost, closest to the target)
// and zero or more result wrappers (outermost, closest to the caller). A
// single registrar is shared by every Around entry in one invocation
// (including across concurrent entries in a `parallel` level), so pushes are
// mutex-guarded.
type AroundRegistrar[T any] struct {
	mu             sync.Mutex
	targetWrappers []Wrapper[T]
	resultWrappers []Wrapper[T]
}

// AttachToTarget registers w on the inner chain. Given pushes w1, w2, w3 (in
// that call order) across one or more Around advice bodies, the resulting
// target composition is w3(w2(w1(target))) — the last push is outermost
// among target wrappers.
func (r *AroundRegistrar[T]) AttachToTarget(w Wrapper[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targetWrappers = append(r.targetWrappers, w)
}

// AttachToResult registers w on the outer chain, with the same last-push-is-
// outermost composition rule as AttachToTarget.
func (r *AroundRegistrar[T]) AttachToResult(w Wrapper[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resultWrappers = append(r.resultWrappers, w)
}

func (r *AroundRegistrar[T]) foldTarget(target Target[T]) Target[T] {
	composed := target
	for _, w := range r.targetWrappers {
		composed = w(composed)
	}
	return composed
}

func (r *AroundRegistrar[T]) foldResult(target Target[T]) Target[T] {
	composed := target
	for _, w := range r.resultWrappers {
		composed = w(composed)
	}
	return composed
}

// AroundResolver folds one invocation's worth of registered wrappers — which
// may come from several Around advice bodies sharing one registrar across a
// batch level — into a single function that composes the raw target, the
// chain executor's continuation, and an ambient-scope snapshot around both.
type AroundResolver[T any] struct {
	registrar *AroundRegistrar[T]
}

// NewAroundResolver wraps registrar (already populated by running the
// Around batch) into a resolver ready to compose a target.
func NewAroundResolver[T any](registrar *AroundRegistrar[T]) *AroundResolver[T] {
	return &AroundResolver[T]{registrar: registrar}
}

// Resolve computes resultChain(snapshot(() -> next(targetChain(target)))).
//
// next is the chain executor's continuation: given the fully target-wrapped
// Target, it returns a Target representing "call it, then run whatever the
// rest of the chain (afterReturning/afterThrowing/after and result assembly)
// does." snapshot here is realized by simply closing over ctx: a captured
// context.Context in Go already propagates correctly across any goroutine or
// deferred call a wrapper introduces, so there is no separate restore step —
// see Open/Current/ExitOuter in context.go for the same observation.
func (r *AroundResolver[T]) Resolve(ctx context.Context, target Target[T], next func(Target[T]) Target[T]) Target[T] {
	innerChain := r.registrar.foldTarget(target)
	continued := next(innerChain)
	snapshot := func(_ context.Context) (T, error) {
		return continued(ctx)
	}
	return r.registrar.foldResult(snapshot)
}
