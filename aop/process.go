package aop

import "context"

// ProcessInput is a Process's construction argument: the aspect list plus
// optional build/process options (nil selects the spec-mandated defaults).
type ProcessInput[T any] struct {
	Aspects        []Aspect
	BuildOptions   *BuildOptions
	ProcessOptions *ProcessOptions[T]
}

// Process binds an Organizer's pre-computed batched advice to a set of
// BuildOptions and ProcessOptions into a single callable (spec §2's
// "Process Facade"). Build it once with NewProcess and reuse it across every
// invocation of Invoke.
type Process[T any] struct {
	org       *Organizer
	buildOpts BuildOptions
	procOpts  ProcessOptions[T]
	instr     *Instrumentation
}

// NewProcess validates input.Aspects and pre-computes the five batched
// advice functions. A configuration error (duplicate aspect name, missing
// dependency, dependency cycle, section conflict, or an Around advice
// registered against the wrong result type) is returned here rather than
// deferred to the first Invoke.
func NewProcess[T any](input ProcessInput[T]) (*Process[T], error) {
	buildOpts := DefaultBuildOptions()
	if input.BuildOptions != nil {
		buildOpts = *input.BuildOptions
	}

	procOpts := DefaultProcessOptions[T]()
	if input.ProcessOptions != nil {
		merged := *input.ProcessOptions
		if merged.DetermineError == nil {
			merged.DetermineError = procOpts.DetermineError
		}
		if merged.HandleError == nil {
			merged.HandleError = procOpts.HandleError
		}
		if merged.HandleContinuedErrors == nil {
			merged.HandleContinuedErrors = procOpts.HandleContinuedErrors
		}
		if merged.ContextGenerator == nil {
			merged.ContextGenerator = procOpts.ContextGenerator
		}
		procOpts = merged
	}

	instr := NewInstrumentation()
	org, err := Build[T](input.Aspects, buildOpts, instr)
	if err != nil {
		instr.Close() //nolint:errcheck
		return nil, err
	}

	return &Process[T]{org: org, buildOpts: buildOpts, procOpts: procOpts, instr: instr}, nil
}

// Invoke opens a fresh ambient scope from generator (or the process's
// configured ContextGenerator if generator is nil), runs the chain against
// target, and applies the two-phase exit. The result is either a T or the
// TargetFallback sentinel — see ProcessOptions.HandleError.
func (p *Process[T]) Invoke(ctx context.Context, generator ContextGenerator, target Target[T]) (any, error) {
	if generator == nil {
		generator = p.procOpts.ContextGenerator
	}

	ctx, span := p.instr.Tracer.StartSpan(ctx, SpanProcess)
	defer span.Finish()

	result, err := Open(ctx, generator, func(scopedCtx context.Context) (any, error) {
		shared, _ := Current(scopedCtx)
		result, state := runChain[T](scopedCtx, p.instr, p.org, p.buildOpts, shared, target)
		return p.twoPhaseExit(scopedCtx, result, state)
	})
	if err != nil {
		span.SetTag(TagHalted, "true")
	}
	return result, err
}

// twoPhaseExit implements spec §4.6.2: Phase A picks one error from a halt
// rejection via DetermineError and recovers (or re-raises) via HandleError;
// Phase B unconditionally hands the continued-rejections list to
// HandleContinuedErrors for observation.
func (p *Process[T]) twoPhaseExit(ctx context.Context, result T, state *chainState) (any, error) {
	if state.haltRejection != nil {
		p.instr.Metrics.Counter(MetricHaltsTotal).Inc()
		chosen := p.procOpts.DetermineError(rejectionErrs(state.haltRejection))
		recovered, err := p.procOpts.HandleError(ctx, chosen)
		p.procOpts.HandleContinuedErrors(state.continued)
		return recovered, err
	}
	if len(state.continued) > 0 {
		p.instr.Metrics.Counter(MetricContinuesTotal).Inc()
	}
	p.procOpts.HandleContinuedErrors(state.continued)
	return result, nil
}

// ReenterAndInvoke implements spec §4.6.3's exit-outer escape: it re-opens
// the ambient scope enclosing the current invocation and starts a fresh
// chain with a new context instance. HandleError implementations call this
// (via the ctx they were handed) to retry.
func (p *Process[T]) ReenterAndInvoke(ctx context.Context, target Target[T]) (any, error) {
	return ExitOuter(ctx, func(parentCtx context.Context) (any, error) {
		return p.Invoke(parentCtx, nil, target)
	})
}

// Close releases the process's tracer and hook bus.
func (p *Process[T]) Close() error {
	return p.instr.Close()
}

func rejectionErrs(err error) []error {
	if rej, ok := err.(*Rejection); ok {
		return rej.Errs
	}
	return []error{err}
}
