package aop

import (
	"context"
	"fmt"
	"sort"
)

// KindFunc is one advice kind's pre-computed, ready-to-run batched function
// (spec §4.5 point 6). extra carries whatever the kind needs beyond the
// ambient context and shared context: a *AroundRegistrar[T] for Around, the
// currently-thrown error for AfterThrowing, and nil for the other three.
type KindFunc func(ctx context.Context, shared SharedContext, extra any) error

// Organizer holds the five pre-computed KindFuncs produced by Build. It is
// built once per Process and reused across every invocation.
type Organizer struct {
	kinds [kindCount]KindFunc
}

// Run invokes the batched function for kind, or returns nil if no aspect
// contributed an entry for that kind.
func (o *Organizer) Run(ctx context.Context, kind AdviceKind, shared SharedContext, extra any) error {
	fn := o.kinds[kind]
	if fn == nil {
		return nil
	}
	return fn(ctx, shared, extra)
}

var allKinds = [...]AdviceKind{Before, Around, AfterReturning, AfterThrowing, After}

// Build validates aspects and pre-computes the dependency-ordered,
// section-exclusive, strategy-split layers for every advice kind, then binds
// each kind to a KindFunc. T is the Process's eventual target result type,
// needed only to validate and invoke Around advice.
func Build[T any](aspects []Aspect, opts BuildOptions, instr *Instrumentation) (*Organizer, error) {
	if err := validateUniqueNames(aspects); err != nil {
		return nil, err
	}

	byName := make(map[Name]Aspect, len(aspects))
	for _, a := range aspects {
		byName[a.Name] = a
	}

	org := &Organizer{}
	for _, kind := range allKinds {
		kindOpts := opts.forKind(kind)
		layers, err := layerKind(aspects, kind, kindOpts.Strategy)
		if err != nil {
			return nil, err
		}
		if layers == nil {
			continue
		}

		switch kind {
		case Around:
			fn, err := buildAroundKindFunc[T](byName, layers, kindOpts, instr)
			if err != nil {
				return nil, err
			}
			org.kinds[kind] = fn
		case AfterThrowing:
			org.kinds[kind] = throwingKindFunc(byName, layers, kindOpts, instr)
		default:
			org.kinds[kind] = simpleKindFunc(byName, layers, kindOpts, instr, kind)
		}
	}
	return org, nil
}

func validateUniqueNames(aspects []Aspect) error {
	seen := make(map[Name]struct{}, len(aspects))
	for _, a := range aspects {
		if _, ok := seen[a.Name]; ok {
			return errDuplicateAspectName(a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// layerKind collects this kind's entries, validates dependency edges and
// section exclusivity, topologically layers by in-degree/worklist, and (for
// a Sequential kind) splits every level into singleton levels. A kind with
// no contributing aspect returns (nil, nil).
func layerKind(aspects []Aspect, kind AdviceKind, strategy ExecutionStrategy) ([][]Name, error) {
	metas := make(map[Name]adviceMeta)
	order := make([]Name, 0, len(aspects))
	for _, a := range aspects {
		if m, ok := a.entry(kind); ok {
			metas[a.Name] = m
			order = append(order, a.Name)
		}
	}
	if len(order) == 0 {
		return nil, nil
	}

	available := make([]Name, 0, len(metas))
	for n := range metas {
		available = append(available, n)
	}
	sort.Strings(available)

	for _, n := range order {
		for _, dep := range metas[n].DependsOn {
			if _, ok := metas[dep]; !ok {
				return nil, errMissingDependency(kind, n, dep, available)
			}
		}
	}

	levels, err := topologicalLayers(order, metas, kind)
	if err != nil {
		return nil, err
	}

	for _, level := range levels {
		if err := checkSectionExclusivity(level, metas, kind); err != nil {
			return nil, err
		}
	}

	if strategy == Sequential {
		levels = splitToSingletons(levels)
	}
	return levels, nil
}

func topologicalLayers(order []Name, metas map[Name]adviceMeta, kind AdviceKind) ([][]Name, error) {
	inDegree := make(map[Name]int, len(order))
	dependents := make(map[Name][]Name, len(order))
	for _, n := range order {
		inDegree[n] = 0
	}
	for _, n := range order {
		for _, dep := range metas[n].DependsOn {
			inDegree[n]++
			dependents[dep] = append(dependents[dep], n)
		}
	}

	processed := make(map[Name]bool, len(order))
	var levels [][]Name
	remaining := len(order)

	for remaining > 0 {
		var level []Name
		for _, n := range order {
			if !processed[n] && inDegree[n] == 0 {
				level = append(level, n)
			}
		}
		if len(level) == 0 {
			return nil, errDependencyCycle(kind, findCyclePath(order, metas))
		}
		for _, n := range level {
			processed[n] = true
			remaining--
			for _, dependent := range dependents[n] {
				inDegree[dependent]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// findCyclePath runs a DFS over the dependency graph recording the path to
// the first back-edge it finds, per spec §9's suggested cycle-reporting
// strategy.
func findCyclePath(order []Name, metas map[Name]adviceMeta) []Name {
	const white, gray, black = 0, 1, 2
	color := make(map[Name]int, len(order))
	var path []Name

	var visit func(n Name) []Name
	visit = func(n Name) []Name {
		color[n] = gray
		path = append(path, n)
		for _, dep := range metas[n].DependsOn {
			switch color[dep] {
			case gray:
				idx := 0
				for i, p := range path {
					if p == dep {
						idx = i
						break
					}
				}
				cycle := append([]Name{}, path[idx:]...)
				return append(cycle, dep)
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for _, n := range order {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

func checkSectionExclusivity(level []Name, metas map[Name]adviceMeta, kind AdviceKind) error {
	owner := make(map[string]Name)
	for _, n := range level {
		for _, section := range metas[n].Use {
			if existing, ok := owner[section]; ok {
				return errSectionConflict(kind, section, existing, n)
			}
			owner[section] = n
		}
	}
	return nil
}

func splitToSingletons(levels [][]Name) [][]Name {
	var split [][]Name
	for _, level := range levels {
		for _, n := range level {
			split = append(split, []Name{n})
		}
	}
	return split
}

func simpleAdvice(a Aspect, kind AdviceKind) (adviceMeta, SimpleAdviceFunc, bool) {
	switch kind {
	case Before:
		if a.Before == nil {
			return adviceMeta{}, nil, false
		}
		return a.Before.adviceMeta, a.Before.Fn, true
	case AfterReturning:
		if a.AfterReturning == nil {
			return adviceMeta{}, nil, false
		}
		return a.AfterReturning.adviceMeta, a.AfterReturning.Fn, true
	case After:
		if a.After == nil {
			return adviceMeta{}, nil, false
		}
		return a.After.adviceMeta, a.After.Fn, true
	default:
		return adviceMeta{}, nil, false
	}
}

func simpleKindFunc(byName map[Name]Aspect, layers [][]Name, opts KindOptions, instr *Instrumentation, kind AdviceKind) KindFunc {
	return func(ctx context.Context, shared SharedContext, _ any) error {
		entryLevels := make([][]BatchEntry, len(layers))
		for i, layer := range layers {
			entries := make([]BatchEntry, len(layer))
			for j, n := range layer {
				meta, fn, _ := simpleAdvice(byName[n], kind)
				entries[j] = BatchEntry{
					Aspect: n,
					Use:    meta.Use,
					Invoke: func(ctx context.Context, view *RestrictedView) error {
						return fn(ctx, view)
					},
				}
			}
			entryLevels[i] = entries
		}
		return RunLevels(ctx, instr, kind, opts.Aggregation, entryLevels, shared)
	}
}

func throwingKindFunc(byName map[Name]Aspect, layers [][]Name, opts KindOptions, instr *Instrumentation) KindFunc {
	return func(ctx context.Context, shared SharedContext, extra any) error {
		thrown, _ := extra.(error)
		entryLevels := make([][]BatchEntry, len(layers))
		for i, layer := range layers {
			entries := make([]BatchEntry, len(layer))
			for j, n := range layer {
				adv := byName[n].AfterThrowing
				entries[j] = BatchEntry{
					Aspect: n,
					Use:    adv.Use,
					Invoke: func(ctx context.Context, view *RestrictedView) error {
						return adv.Fn(ctx, view, thrown)
					},
				}
			}
			entryLevels[i] = entries
		}
		return RunLevels(ctx, instr, AfterThrowing, opts.Aggregation, entryLevels, shared)
	}
}

// buildAroundKindFunc type-asserts every Around entry's type-erased function
// back to AroundAdviceFunc[T] once, at build time, so a misconfigured aspect
// (registered against the wrong result type) fails process construction
// rather than surfacing lazily on the first invocation.
func buildAroundKindFunc[T any](byName map[Name]Aspect, layers [][]Name, opts KindOptions, instr *Instrumentation) (KindFunc, error) {
	fns := make(map[Name]AroundAdviceFunc[T], len(byName))
	uses := make(map[Name][]string, len(byName))
	for _, layer := range layers {
		for _, n := range layer {
			adv := byName[n].Around
			fn, ok := adv.fn.(AroundAdviceFunc[T])
			if !ok {
				return nil, fmt.Errorf("%w: aspect %q", ErrAroundTypeMismatch, n)
			}
			fns[n] = fn
			uses[n] = adv.Use
		}
	}

	return func(ctx context.Context, shared SharedContext, extra any) error {
		registrar, ok := extra.(*AroundRegistrar[T])
		if !ok {
			return fmt.Errorf("%w: expected *AroundRegistrar", ErrAroundTypeMismatch)
		}
		entryLevels := make([][]BatchEntry, len(layers))
		for i, layer := range layers {
			entries := make([]BatchEntry, len(layer))
			for j, n := range layer {
				fn := fns[n]
				entries[j] = BatchEntry{
					Aspect: n,
					Use:    uses[n],
					Invoke: func(ctx context.Context, view *RestrictedView) error {
						return fn(ctx, view, registrar)
					},
				}
			}
			entryLevels[i] = entries
		}
		return RunLevels(ctx, instr, Around, opts.Aggregation, entryLevels, shared)
	}, nil
}
