package aop

import (
	"context"
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys for the engine's own observability, independent of whatever
// the loader or a host middleware layers on top.
const (
	MetricLevelsTotal     = metricz.Key("aop.levels.total")
	MetricEntriesTotal    = metricz.Key("aop.entries.total")
	MetricRejectionsTotal = metricz.Key("aop.rejections.total")
	MetricHaltsTotal      = metricz.Key("aop.halts.total")
	MetricContinuesTotal  = metricz.Key("aop.continues.total")
)

// Span names.
const (
	SpanProcess = tracez.Key("aop.process")
	SpanKind    = tracez.Key("aop.kind")
	SpanLevel   = tracez.Key("aop.level")
)

// Span tags.
const (
	TagKind       = tracez.Tag("aop.kind")
	TagLevel      = tracez.Tag("aop.level")
	TagEntryCount = tracez.Tag("aop.entry_count")
	TagRejected   = tracez.Tag("aop.rejected")
	TagHalted     = tracez.Tag("aop.halted")
	TagAspect     = tracez.Tag("aop.aspect")
)

// Hook event keys.
const (
	EventKindRejected   = hookz.Key("aop.kind.rejected")
	EventChainHalted    = hookz.Key("aop.chain.halted")
	EventChainContinued = hookz.Key("aop.chain.continued")
)

// ChainEvent is the single event payload shape emitted across every aop hook
// key, mirroring the teacher's one-event-struct-per-connector convention
// (e.g. RetryEvent) rather than a distinct type per hook.
type ChainEvent struct {
	Kind      AdviceKind
	Aspect    Name
	Level     int
	Rejected  bool
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

// Instrumentation bundles the metrics registry, tracer, and hook bus shared
// by one Process's Organizer, BatchProcessor, and Chain. It is constructed
// once per Process (see NewProcess) and threaded down, the same lifetime
// the teacher gives a single connector's observability trio.
type Instrumentation struct {
	Metrics *metricz.Registry
	Tracer  *tracez.Tracer
	Hooks   *hookz.Hooks[ChainEvent]
}

// NewInstrumentation registers the fixed metric set and returns a ready
// Instrumentation bundle.
func NewInstrumentation() *Instrumentation {
	registry := metricz.New()
	registry.Counter(MetricLevelsTotal)
	registry.Counter(MetricEntriesTotal)
	registry.Counter(MetricRejectionsTotal)
	registry.Counter(MetricHaltsTotal)
	registry.Counter(MetricContinuesTotal)

	return &Instrumentation{
		Metrics: registry,
		Tracer:  tracez.New(),
		Hooks:   hookz.New[ChainEvent](),
	}
}

// Close shuts down the tracer and hook bus. Idempotent via the underlying
// libraries' own Close semantics — calling it twice is harmless.
func (i *Instrumentation) Close() error {
	if i.Tracer != nil {
		i.Tracer.Close()
	}
	if i.Hooks != nil {
		i.Hooks.Close()
	}
	return nil
}

func (i *Instrumentation) emit(ctx context.Context, key hookz.Key, ev ChainEvent) {
	if i.Hooks.ListenerCount(key) > 0 {
		_ = i.Hooks.Emit(ctx, key, ev) //nolint:errcheck
	}
}
