// Package telemetry defines the logging and metrics seams used across the
// runtime. Components receive these interfaces by injection; nothing in the
// runtime reaches for ambient global state.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records. Implementations must be safe for
	// concurrent use.
	Logger interface {
		// Debug emits a debug-level message with key-value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level message with key-value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level message with key-value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level message with key-value pairs.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. Implementations must be safe for
	// concurrent use.
	Metrics interface {
		// IncCounter increments the named counter.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration for the named timer.
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer creates and retrieves spans.
	Tracer interface {
		// Start creates a span and returns the derived context and span handle.
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		// Span retrieves the current span from the context.
		Span(ctx context.Context) Span
	}

	// Span is the minimal span surface used by the runtime.
	Span interface {
		// End finalizes the span.
		End(opts ...trace.SpanEndOption)
		// SetStatus sets the span status code and description.
		SetStatus(code codes.Code, description string)
		// RecordError records an error on the span.
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the runtime.
const (
	MetricEventsPublished  = "loom.events.published"
	MetricEventsDelivered  = "loom.events.delivered"
	MetricStreamAppends    = "loom.stream.appends"
	MetricCASConflicts     = "loom.fsm.cas_conflicts"
	MetricSessionsStarted  = "loom.sessions.started"
	MetricSessionsArchived = "loom.evictor.archived"
	MetricSessionsRestored = "loom.evictor.restored"
	MetricNodeRetries      = "loom.dispatch.retries"
	MetricDeadLetters      = "loom.dispatch.dead_letters"
	MetricNodeDuration     = "loom.dispatch.node_duration"
	MetricCycleDuration    = "loom.evictor.cycle_duration"
)
