package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

const slowQueryThreshold = 100 * time.Millisecond

// querier is satisfied by *sql.DB, *sql.Tx and *queryLogger.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryLogger logs statements that exceed the slow query threshold.
type queryLogger struct {
	inner  querier
	logger *slog.Logger
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer q.observe(ctx, query, time.Now())
	return q.inner.ExecContext(ctx, query, args...)
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer q.observe(ctx, query, time.Now())
	return q.inner.QueryContext(ctx, query, args...)
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer q.observe(ctx, query, time.Now())
	return q.inner.QueryRowContext(ctx, query, args...)
}

func (q *queryLogger) observe(ctx context.Context, query string, start time.Time) {
	if d := time.Since(start); d >= slowQueryThreshold {
		q.logger.WarnContext(ctx, "slow query", "duration", d.Round(time.Millisecond), "sql", truncateQuery(query))
	}
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
