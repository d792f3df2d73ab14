package observers

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/harunnryd/dialtone/pkg/metrics"
)

// TraceObserver maps call lifecycles onto OpenTelemetry: one span per
// call, opened at the first tagged metric and closed at call_ended,
// with session transitions attached as span events. An up-down counter
// tracks how many calls are live.
type TraceObserver struct {
	tracer      trace.Tracer
	activeCalls metric.Int64UpDownCounter

	mu    sync.Mutex
	spans map[string]trace.Span
}

func NewTraceObserver() *TraceObserver {
	tracer := otel.Tracer("dialtone-session")
	meter := otel.Meter("dialtone-session")
	activeCalls, _ := meter.Int64UpDownCounter("dialtone.calls_active",
		metric.WithDescription("Number of calls currently in flight"))
	return &TraceObserver{
		tracer:      tracer,
		activeCalls: activeCalls,
		spans:       make(map[string]trace.Span),
	}
}

func (o *TraceObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	span, open := o.spans[callID]
	if !open {
		if ev.Name == "call_ended" {
			return
		}
		_, span = o.tracer.Start(context.Background(), "call",
			trace.WithTimestamp(ev.Time),
			trace.WithAttributes(attribute.String("call_id", callID)),
		)
		o.spans[callID] = span
		o.activeCalls.Add(context.Background(), 1)
	}

	switch ev.Name {
	case "session_transition":
		span.AddEvent(ev.Tags["to"],
			trace.WithTimestamp(ev.Time),
			trace.WithAttributes(attribute.String("reason", ev.Tags["reason"])),
		)
		if ev.Tags["to"] == "ERROR" {
			span.SetStatus(codes.Error, ev.Tags["reason"])
		}
	case "call_started":
		span.AddEvent("answered", trace.WithTimestamp(ev.Time))
	case "dtmf_flushed", "dtmf_discarded":
		span.AddEvent(ev.Name,
			trace.WithTimestamp(ev.Time),
			trace.WithAttributes(attribute.Int("count", int(ev.Value))),
		)
	case "call_ended":
		span.SetAttributes(
			attribute.String("direction", ev.Tags["direction"]),
			attribute.String("end_reason", ev.Tags["reason"]),
			attribute.Float64("talk_seconds", ev.Value),
		)
		span.End(trace.WithTimestamp(ev.Time))
		delete(o.spans, callID)
		o.activeCalls.Add(context.Background(), -1)
	}
}

// Close ends spans still open, for shutdowns that interrupt a call.
func (o *TraceObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, span := range o.spans {
		span.End()
		delete(o.spans, id)
		o.activeCalls.Add(context.Background(), -1)
	}
	return nil
}

var _ metrics.Observer = (*TraceObserver)(nil)
