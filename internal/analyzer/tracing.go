package analyzer

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

const tracerName = "github.com/JakeFAU/pagespeed-audit/internal/analyzer"

func defaultTracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(tracerName)
}

// finishSpan marks span failed when err is set and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		ae := audit.AsError(err)
		span.SetAttributes(
			attribute.String("audit.error.kind", ae.Kind.String()),
			attribute.String("audit.error.reason", string(ae.Reason)),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ae.Reason))
	}
	span.End()
}
