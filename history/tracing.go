package history

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/pure-golang/bulkmail/history")

// startSpan создаёт спан для операции с базой данных
func startSpan(ctx context.Context, operation, query string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "history."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
	)
	if query != "" {
		span.SetAttributes(attribute.String("db.statement", query))
	}
	return ctx, span
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
