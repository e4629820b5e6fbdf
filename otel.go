package bus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	spanKeyEventID     = "event.id"
	spanKeyEventType   = "event.type"
	spanKeyCommandID   = "command.id"
	spanKeyCommandType = "command.type"
	spanKeySessionID   = "session.id"
	spanKeyBus         = "bus.name"
)

// otelInstruments mirrors the hot-path counters to OpenTelemetry so the
// bus shows up in whatever metric pipeline the process already exports.
// The in-process Collector stays the source of truth for Snapshot().
type otelInstruments struct {
	published metric.Int64Counter
	processed metric.Int64Counter
	failed    metric.Int64Counter
	commands  metric.Int64Counter
}

func newOtelInstruments(name string) *otelInstruments {
	meter := otel.Meter(name)
	published, _ := meter.Int64Counter("bus.events.published",
		metric.WithDescription("Total number of events published"))
	processed, _ := meter.Int64Counter("bus.events.processed",
		metric.WithDescription("Total number of event handler invocations that succeeded"))
	failed, _ := meter.Int64Counter("bus.events.failed",
		metric.WithDescription("Total number of event handler invocations that failed"))
	commands, _ := meter.Int64Counter("bus.commands.executed",
		metric.WithDescription("Total number of commands executed"))
	return &otelInstruments{
		published: published,
		processed: processed,
		failed:    failed,
		commands:  commands,
	}
}

// startPublishSpan opens a producer span for a published event.
func (b *Bus) startPublishSpan(ctx context.Context, ev Event) (context.Context, trace.Span) {
	tracer := otel.Tracer(b.name)
	return tracer.Start(ctx, fmt.Sprintf("%s.publish", ev.Type),
		trace.WithAttributes(
			attribute.String(spanKeyEventID, ev.EventID),
			attribute.String(spanKeyEventType, ev.Type),
			attribute.String(spanKeySessionID, string(ev.SessionID)),
			attribute.String(spanKeyBus, b.name)),
		trace.WithSpanKind(trace.SpanKindProducer))
}

// startDispatchSpan opens an internal span around one handler invocation.
func (b *Bus) startDispatchSpan(ctx context.Context, ev Event) (context.Context, trace.Span) {
	tracer := otel.Tracer(b.name)
	return tracer.Start(ctx, fmt.Sprintf("%s.dispatch", ev.Type),
		trace.WithAttributes(
			attribute.String(spanKeyEventID, ev.EventID),
			attribute.String(spanKeyEventType, ev.Type),
			attribute.String(spanKeySessionID, string(ev.SessionID)),
			attribute.String(spanKeyBus, b.name)),
		trace.WithSpanKind(trace.SpanKindInternal))
}

// TracingMiddleware opens a span around command execution. With tracing
// enabled the bus itself spans publishes and event handler invocations
// only; command execution is traced only when this middleware is added.
func TracingMiddleware(name string) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd Command) CommandResult {
			tracer := otel.Tracer(name)
			ctx, span := tracer.Start(ctx, fmt.Sprintf("%s.execute", cmd.Type),
				trace.WithAttributes(
					attribute.String(spanKeyCommandID, cmd.CommandID),
					attribute.String(spanKeyCommandType, cmd.Type),
					attribute.String(spanKeySessionID, string(cmd.SessionID))),
				trace.WithSpanKind(trace.SpanKindInternal))
			defer span.End()

			res := next(ctx, cmd)
			if !res.Success {
				span.SetAttributes(attribute.String("error.kind", string(res.Kind)))
			}
			return res
		}
	}
}
