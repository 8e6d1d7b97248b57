// Package aop provides a small aspect-oriented runtime for wrapping a single
// asynchronous target function with a set of named aspects.
//
// # Overview
//
// aop organizes a list of Aspects — each contributing some subset of five
// advice kinds (Before, Around, AfterReturning, AfterThrowing, After) — into a
// single executable Process that wraps one Target[T]. The Organizer
// pre-computes dependency-ordered, section-exclusive batches once; the
// ChainExecutor runs those batches around the target on every invocation.
//
// # Core Concepts
//
//   - Aspect: a named bundle of at most one advice entry per kind.
//   - AdviceEntry: an async function body plus optional declared section reads
//     (Use) and aspect dependencies (DependsOn).
//   - Organizer: validates and layers aspects per advice kind into batched,
//     ready-to-run functions.
//   - BatchProcessor: runs one kind's layers, enforcing the configured
//     execution strategy and error aggregation policy.
//   - AroundResolver: composes the zero-or-more target/result wrappers an
//     Around advice registers into a single wrapping function.
//   - Chain: sequences Before -> Around -> target -> (AfterReturning |
//     AfterThrowing) -> After inside an ambient-context scope, with two-phase
//     rejection handling.
//   - Context: the ambient per-invocation binding store, carried on
//     context.Context and readable via Current from any context derived
//     inside the scope.
//
// # Usage
//
//	target := func(ctx context.Context) (string, error) { return "ok", nil }
//	proc, err := aop.NewProcess[string](aop.ProcessInput[string]{
//	    Aspects: []aop.Aspect{loggingAspect, metricsAspect},
//	})
//	result, err := proc.Invoke(context.Background(), contextGenerator, target)
package aop
