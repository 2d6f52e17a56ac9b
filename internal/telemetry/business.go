package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const analysisTracerName = "github.com/irfndi/vitals-analytics-go/analytics"

// AnalysisTracer wraps analysis calls in spans carrying the operation, the
// user and the outcome.
type AnalysisTracer struct {
	tracer trace.Tracer
}

// NewAnalysisTracer uses the global provider when tp is nil.
func NewAnalysisTracer(tp trace.TracerProvider) *AnalysisTracer {
	if tp == nil {
		return &AnalysisTracer{tracer: GetTracer(analysisTracerName)}
	}
	return &AnalysisTracer{tracer: tp.Tracer(analysisTracerName)}
}

// AnalysisResult is what a finished analysis reports onto its span.
type AnalysisResult struct {
	Status string
	Reason string
	Rows   int
	Cached bool
}

func (at *AnalysisTracer) TraceAnalysis(ctx context.Context, operation string, userID string) (context.Context, trace.Span) {
	return StartSpan(ctx, at.tracer, "analysis."+operation,
		attribute.String("analysis.operation", operation),
		attribute.String("analysis.user_id", userID),
	)
}

// TraceRowFetch covers the supplier call inside an analysis span.
func (at *AnalysisTracer) TraceRowFetch(ctx context.Context, userID string) (context.Context, trace.Span) {
	return StartSpan(ctx, at.tracer, "analysis.fetch_rows",
		attribute.String("analysis.user_id", userID),
	)
}

func (at *AnalysisTracer) RecordAnalysisResult(span trace.Span, result AnalysisResult) {
	attrs := []attribute.KeyValue{
		attribute.String("analysis.status", result.Status),
		attribute.Int("analysis.rows", result.Rows),
		attribute.Bool("analysis.cached", result.Cached),
	}
	if result.Reason != "" {
		attrs = append(attrs, attribute.String("analysis.reason", result.Reason))
	}
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}
