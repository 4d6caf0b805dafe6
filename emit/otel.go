package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes an immediately-ended span:
//   - Span name: event.Msg (e.g. "component_completed")
//   - Attributes: pipeline ID, execution ID, component, status, plus all
//     Meta fields
//   - Status: error when Meta["error"] is present
//
// Setup:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("twingraph"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter producing spans through tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span. Events are points in time, so the span
// is started and ended immediately.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	o.setAttributes(span, event)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// EmitBatch records multiple events under one context, letting the span
// processor batch the export.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.setAttributes(span, event)
		if errMsg, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, errMsg)
			span.RecordError(fmt.Errorf("%s", errMsg))
		}
		span.End()
	}
	return nil
}

// Flush forces export of pending spans. Call before shutdown so batched
// spans reach the backend.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) setAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("twingraph.pipeline_id", event.PipelineID),
		attribute.String("twingraph.execution_id", event.ExecutionID),
		attribute.String("twingraph.component", event.Component),
	)
	if event.Status != "" {
		span.SetAttributes(attribute.String("twingraph.status", event.Status))
	}

	for key, value := range event.Meta {
		attrKey := "twingraph." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
