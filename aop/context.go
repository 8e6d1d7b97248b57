package aop

import "context"

// SharedContext is the per-invocation mapping from section key to section
// value (spec "Shared context"). Top-level keys are fixed once a
// SharedContext is produced by a ContextGenerator; callers must not add or
// remove keys afterward, though the value stored under a key (e.g. a
// middleware's own mutable state struct) may change freely.
type SharedContext map[string]any

// ContextGenerator produces a fresh SharedContext for one invocation.
type ContextGenerator func() SharedContext

// scope is one nested ambient binding: the bindings produced by a
// ContextGenerator, plus the context.Context of the scope that opened it.
//
// Go's context.Context already propagates immutably through every goroutine
// and closure that captures it, which is exactly the "preserve bindings
// across suspension" guarantee the ambient context needs — there is no
// separate snapshot/restore step to implement, unlike in a runtime with an
// implicit per-call-stack local. scope exists only to add the nesting and
// exit-to-parent behavior the spec asks for on top of that.
type scope struct {
	bindings  SharedContext
	parentCtx context.Context //nolint:containedctx // the ambient scope's identity is the context it nests inside
}

type scopeKey struct{}

// Open opens a new ambient scope, derives bindings from generator, and runs
// body with a context carrying that scope. Any goroutine or deferred closure
// started from inside body and passed this returned/derived context observes
// the same scope.
func Open[R any](ctx context.Context, generator ContextGenerator, body func(ctx context.Context) (R, error)) (R, error) {
	s := &scope{bindings: generator(), parentCtx: ctx}
	return body(context.WithValue(ctx, scopeKey{}, s))
}

// Current returns the bindings of the nearest enclosing scope, or
// ErrNoOpenScope if none is open.
func Current(ctx context.Context) (SharedContext, error) {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		var zero SharedContext
		return zero, ErrNoOpenScope
	}
	return s.bindings, nil
}

// ExitOuter runs callback in the parent scope of the nearest enclosing
// scope — i.e., with the context as it stood just before Open introduced the
// current scope. Used by the loader to re-enter the enclosing invocation and
// start a fresh chain when retrying.
func ExitOuter[R any](ctx context.Context, callback func(ctx context.Context) (R, error)) (R, error) {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	if !ok {
		var zero R
		return zero, ErrNoOpenScope
	}
	return callback(s.parentCtx)
}
