package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/irfndi/vitals-analytics-go/internal/database"

// TracedPool wraps a DatabasePool and records a client span per query.
type TracedPool struct {
	pool   DatabasePool
	tracer trace.Tracer
}

// NewTracedPool uses the global tracer provider when tp is nil.
func NewTracedPool(pool DatabasePool, tp trace.TracerProvider) *TracedPool {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracedPool{pool: pool, tracer: tp.Tracer(tracerName)}
}

func (p *TracedPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := p.tracer.Start(ctx, "db.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operationOf(sql)),
			attribute.Int("db.args", len(args)),
		),
	)
	defer span.End()

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		RecordDatabaseError(span, err)
	}
	return rows, err
}

// RecordDatabaseError marks the span failed.
func RecordDatabaseError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func operationOf(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(fields[0])
}
