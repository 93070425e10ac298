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

// OTelEmitter records each event as a short OpenTelemetry span.
//
// Standard attributes:
//   - pipeflow.run_id
//   - pipeflow.step
//   - pipeflow.block
//   - pipeflow.workflow_id
//
// Meta keys become span attributes; "transition", "tool" and "duration_ms"
// are mapped into the pipeflow.* namespace. An "error" meta value marks the
// span as failed.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter using tracer. A nil tracer uses the
// global provider's "pipeflow" tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	if tracer == nil {
		tracer = otel.Tracer("pipeflow")
	}
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends a span for event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("pipeflow.run_id", event.RunID),
		attribute.Int("pipeflow.step", event.Step),
		attribute.String("pipeflow.block", event.BlockID),
	)
	if event.WorkflowID != "" {
		span.SetAttributes(attribute.String("pipeflow.workflow_id", event.WorkflowID))
	}
	o.addMetadataAttributes(span, event.Meta)

	if err, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, err)
		span.RecordError(fmt.Errorf("%s", err))
	}
}

// Flush forces the global tracer provider to export pending spans, when it supports flushing.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		attrKey := key
		switch key {
		case "transition":
			attrKey = "pipeflow.transition"
		case "tool":
			attrKey = "pipeflow.tool"
		case "duration_ms":
			attrKey = "pipeflow.duration_ms"
		}

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
