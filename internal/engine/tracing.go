package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/evmts/smithers/internal/engine"

// Span attribute keys.
const (
	attrExecutionID = attribute.Key("smithers.execution_id")
	attrFrameSeq    = attribute.Key("smithers.frame_seq")
	attrTrigger     = attribute.Key("smithers.trigger")
	attrPhase       = attribute.Key("smithers.phase")
)

// phase runs fn inside a child span named after one tick phase.
func (x *Execution) phase(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := x.tracer.Start(ctx, "tick."+name, trace.WithAttributes(attrPhase.String(name)))
	err := fn(ctx)
	endSpan(span, err)
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
