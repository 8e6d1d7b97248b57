package aop

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BatchEntry is one organizer-emitted, ready-to-run advice invocation: the
// owning aspect's name (for diagnostics), its declared `use` list, and a
// closure that already carries whatever kind-specific extra argument
// (the Around registrar, or the AfterThrowing thrown value) the advice body
// needs, so the BatchProcessor itself stays uniform across all five kinds.
type BatchEntry struct {
	Aspect Name
	Use    []string
	Invoke func(ctx context.Context, view *RestrictedView) error
}

// RunLevels executes levels — already dependency-ordered and, for a
// `sequential` kind, pre-split into one-entry levels by the Organizer — in
// order. Within a level every entry launches concurrently (mirroring
// concurrent.go's WaitGroup/mutex result-collection core) and the processor
// waits for all of them to settle before deciding whether to continue.
//
// aggregation == AggregateUnit raises as soon as the first level produces any
// failing entry. aggregation == AggregateAll runs every level regardless and
// raises one aggregated Rejection at the end if any level failed.
func RunLevels(ctx context.Context, instr *Instrumentation, kind AdviceKind, aggregation Aggregation, levels [][]BatchEntry, shared SharedContext) error {
	ctx, span := instr.Tracer.StartSpan(ctx, SpanKind)
	span.SetTag(TagKind, kind.String())
	defer span.Finish()

	var accumulated []error

	for levelIdx, level := range levels {
		instr.Metrics.Counter(MetricLevelsTotal).Inc()
		levelCtx, levelSpan := instr.Tracer.StartSpan(ctx, SpanLevel)
		levelSpan.SetTag(TagLevel, fmt.Sprintf("%d", levelIdx))
		levelSpan.SetTag(TagEntryCount, fmt.Sprintf("%d", len(level)))

		levelErrs := runLevel(levelCtx, instr, kind, level, shared)

		levelSpan.SetTag(TagRejected, fmt.Sprintf("%t", len(levelErrs) > 0))
		levelSpan.Finish()

		if len(levelErrs) == 0 {
			continue
		}

		instr.Metrics.Counter(MetricRejectionsTotal).Inc()
		if aggregation == AggregateUnit {
			span.SetTag(TagRejected, "true")
			rejection := NewAdviceRejection(kind, "", levelErrs...)
			instr.emit(ctx, EventKindRejected, ChainEvent{
				Kind: kind, Level: levelIdx, Rejected: true, Err: rejection, Timestamp: time.Now(),
			})
			return rejection
		}
		accumulated = append(accumulated, levelErrs...)
	}

	if len(accumulated) > 0 {
		span.SetTag(TagRejected, "true")
		rejection := NewAdviceRejection(kind, "", accumulated...)
		instr.emit(ctx, EventKindRejected, ChainEvent{
			Kind: kind, Level: len(levels) - 1, Rejected: true, Err: rejection, Timestamp: time.Now(),
		})
		return rejection
	}
	return nil
}

func runLevel(ctx context.Context, instr *Instrumentation, kind AdviceKind, level []BatchEntry, shared SharedContext) []error {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var errs []error

	for _, entry := range level {
		wg.Add(1)
		go func(e BatchEntry) {
			defer wg.Done()
			err := runEntry(ctx, instr, kind, e, shared)
			if err == nil {
				return
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(entry)
	}
	wg.Wait()
	return errs
}

func runEntry(ctx context.Context, instr *Instrumentation, kind AdviceKind, entry BatchEntry, shared SharedContext) (err error) {
	defer recoverToRejection(&err, kind, entry.Aspect, OriginAdvice)
	instr.Metrics.Counter(MetricEntriesTotal).Inc()
	view := NewRestrictedView(shared, entry.Use)
	return entry.Invoke(ctx, view)
}
