package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const slowQueryThreshold = 100 * time.Millisecond

type traceStartKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

// slowQueryTracer logs statements that take longer than
// slowQueryThreshold.
type slowQueryTracer struct {
	logger *slog.Logger
}

func (t *slowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (t *slowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	st, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	elapsed := time.Since(st.start)
	if elapsed < slowQueryThreshold {
		return
	}
	t.logger.Warn("slow query",
		"duration", elapsed,
		"query", truncate(st.sql, 200),
		"rows", data.CommandTag.RowsAffected(),
		"error", data.Err,
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
