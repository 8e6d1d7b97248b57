package loader

import (
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys, mirroring the teacher's NewRetry/NewBackoff/NewTimeout
// per-connector counter/gauge block.
const (
	MetricRetriesTotal    = metricz.Key("loader.retries.total")
	MetricRetryExhausted  = metricz.Key("loader.retry.exhausted.total")
	MetricTimeoutsTotal   = metricz.Key("loader.timeouts.total")
	MetricBackoffWaitTime = metricz.Key("loader.backoff.wait.ms")
	MetricSignalsPromoted = metricz.Key("loader.signals.promoted.total")
)

// Span keys.
const (
	SpanExecute     = tracez.Key("loader.execute")
	SpanAttempt     = tracez.Key("loader.attempt")
	SpanBackoffWait = tracez.Key("loader.backoff.wait")
)

// Span tags.
const (
	TagAttempt     = tracez.Tag("loader.attempt")
	TagMiddleware  = tracez.Tag("loader.middleware")
	TagLoaderID    = tracez.Tag("loader.id")
	TagSignal      = tracez.Tag("loader.signal")
	TagPropagated  = tracez.Tag("loader.propagated")
	TagDelayMillis = tracez.Tag("loader.delay_ms")
)

// Hook event keys. The spec's process-options callbacks (onRetryEach,
// onRetryExceeded, onTimeout) are realized as hookz registrations so a host
// can observe them without being the sole recipient — see RetryEvent/
// TimeoutEvent below, the same one-event-struct-per-connector shape as the
// teacher's RetryEvent/BackoffEvent/TimeoutEvent.
const (
	EventRetryAttempt   = hookz.Key("loader.retry.attempt")
	EventRetryExceeded  = hookz.Key("loader.retry.exceeded")
	EventTimeoutFired   = hookz.Key("loader.timeout.fired")
	EventBackoffWaiting = hookz.Key("loader.backoff.waiting")
)

// RetryEvent is the payload delivered to OnRetryEach/OnRetryExceeded hooks.
type RetryEvent struct {
	LoaderID  string
	Attempt   int
	MaxCount  int
	Err       error
	Timestamp time.Time
}

// TimeoutEvent is the payload delivered to OnTimeout hooks.
type TimeoutEvent struct {
	LoaderID  string
	Delay     time.Duration
	Elapsed   time.Duration
	Timestamp time.Time
}

// BackoffEvent is the payload delivered to OnBackoffWaiting hooks.
type BackoffEvent struct {
	LoaderID  string
	Delay     time.Duration
	Timestamp time.Time
}

// capitan signals: a process-wide, cross-cutting channel distinct from the
// domain Signal (control-flow sentinel) interface defined in signal.go. Named
// with an Event prefix specifically to avoid colliding with that type.
const (
	EventSignalPromoted     capitan.Signal = "loader.signal.promoted"
	EventRetryExceededEvent capitan.Signal = "loader.retry.exceeded"
	EventMiddlewareInvalid  capitan.Signal = "loader.middleware.invalid"
)

// capitan field keys.
var (
	FieldLoaderID   = capitan.NewStringKey("loader_id")
	FieldAttempt    = capitan.NewIntKey("attempt")
	FieldMaxCount   = capitan.NewIntKey("max_count")
	FieldSignalName = capitan.NewStringKey("signal")
)

// Instrumentation bundles the metrics registry, tracer, and hook buses shared
// by one Loader, constructed once at New and threaded down into the three
// built-in aspects.
type Instrumentation struct {
	Metrics *metricz.Registry
	Tracer  *tracez.Tracer
	Retry   *hookz.Hooks[RetryEvent]
	Timeout *hookz.Hooks[TimeoutEvent]
	Backoff *hookz.Hooks[BackoffEvent]
}

// NewInstrumentation registers the fixed metric set and returns a ready
// Instrumentation bundle.
func NewInstrumentation() *Instrumentation {
	registry := metricz.New()
	registry.Counter(MetricRetriesTotal)
	registry.Counter(MetricRetryExhausted)
	registry.Counter(MetricTimeoutsTotal)
	registry.Gauge(MetricBackoffWaitTime)
	registry.Counter(MetricSignalsPromoted)

	return &Instrumentation{
		Metrics: registry,
		Tracer:  tracez.New(),
		Retry:   hookz.New[RetryEvent](),
		Timeout: hookz.New[TimeoutEvent](),
		Backoff: hookz.New[BackoffEvent](),
	}
}

// Close shuts down the tracer and every hook bus. Loader.Close calls it each
// time it is itself called; repeat calls are not guarded against.
func (i *Instrumentation) Close() error {
	if i.Tracer != nil {
		i.Tracer.Close()
	}
	i.Retry.Close()
	i.Timeout.Close()
	i.Backoff.Close()
	return nil
}
