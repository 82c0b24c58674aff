package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

var _ storage.Tx = (*tx)(nil)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tx struct {
	q querier
}

const leaseColumns = `id, project, resource_kind, resource_key, mode, holder_agent_id, reason,
	created_at, expires_at, renewed_count, status, released_at, released_by, justification`

func scanLease(row pgx.Row) (core.Lease, error) {
	var (
		l                  core.Lease
		kind, mode, status string
		releasedAt         *time.Time
		releasedBy         *int64
	)
	if err := row.Scan(&l.ID, &l.Project, &kind, &l.Resource.Key, &mode, &l.Holder, &l.Reason,
		&l.CreatedAt, &l.ExpiresAt, &l.RenewedCount, &status, &releasedAt, &releasedBy, &l.Justification); err != nil {
		return core.Lease{}, err
	}
	l.Resource.Kind = core.ResourceKind(kind)
	l.Mode = core.Mode(mode)
	l.Status = core.Status(status)
	l.CreatedAt = l.CreatedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	if releasedAt != nil {
		l.ReleasedAt = releasedAt.UTC()
	}
	if releasedBy != nil {
		l.ReleasedBy = core.AgentID(*releasedBy)
	}
	return l, nil
}

func collectLeases(rows pgx.Rows) ([]core.Lease, error) {
	defer rows.Close()
	var out []core.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullAgent(id core.AgentID) *int64 {
	if id == 0 {
		return nil
	}
	v := int64(id)
	return &v
}

func (t *tx) InsertLease(ctx context.Context, l core.Lease) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO leases (`+leaseColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		l.ID, l.Project, string(l.Resource.Kind), l.Resource.Key, string(l.Mode), int64(l.Holder), l.Reason,
		l.CreatedAt.UTC(), l.ExpiresAt.UTC(), l.RenewedCount, string(l.Status),
		nullTime(l.ReleasedAt), nullAgent(l.ReleasedBy), l.Justification,
	)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}

func (t *tx) GetLease(ctx context.Context, id string) (core.Lease, error) {
	l, err := scanLease(t.q.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = $1`, id))
	if errNoRows(err) {
		return core.Lease{}, fmt.Errorf("lease %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Lease{}, fmt.Errorf("get lease: %w", err)
	}
	return l, nil
}

func (t *tx) ActiveLeases(ctx context.Context, project string, kind core.ResourceKind) ([]core.Lease, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+leaseColumns+` FROM leases
		 WHERE project = $1 AND resource_kind = $2 AND status = 'active'
		 ORDER BY created_at, id`,
		project, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("active leases: %w", err)
	}
	return collectLeases(rows)
}

func (t *tx) CountActive(ctx context.Context, project string, r core.Resource, now time.Time) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM leases
		 WHERE project = $1 AND resource_kind = $2 AND resource_key = $3 AND status = 'active' AND expires_at > $4`,
		project, string(r.Kind), r.Key, now.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

func (t *tx) UpdateActive(ctx context.Context, l core.Lease) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE leases SET mode = $1, reason = $2, expires_at = $3, renewed_count = $4, status = $5,
		   released_at = $6, released_by = $7, justification = $8
		 WHERE id = $9 AND status = 'active'`,
		string(l.Mode), l.Reason, l.ExpiresAt.UTC(), l.RenewedCount, string(l.Status),
		nullTime(l.ReleasedAt), nullAgent(l.ReleasedBy), l.Justification, l.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// where accumulates numbered placeholders for a dynamic WHERE clause.
type where struct {
	clauses []string
	args    []any
}

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *where) add(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (t *tx) DueLeases(ctx context.Context, project string, now time.Time, limit int) ([]core.Lease, error) {
	var w where
	w.add("status = 'active'")
	w.add("expires_at <= " + w.arg(now.UTC()))
	if project != "" {
		w.add("project = " + w.arg(project))
	}
	query := `SELECT ` + leaseColumns + ` FROM leases` + w.String() + ` ORDER BY expires_at, id`
	if limit > 0 {
		query += ` LIMIT ` + w.arg(limit)
	}
	rows, err := t.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("due leases: %w", err)
	}
	return collectLeases(rows)
}

func (t *tx) ListLeases(ctx context.Context, q storage.ListQuery) ([]core.Lease, error) {
	var w where
	if q.Project != "" {
		w.add("project = " + w.arg(q.Project))
	}
	if q.Kind != "" {
		w.add("resource_kind = " + w.arg(string(q.Kind)))
	}
	if q.Holder != 0 {
		w.add("holder_agent_id = " + w.arg(int64(q.Holder)))
	}
	if q.Status != "" {
		w.add("status = " + w.arg(string(q.Status)))
	}
	if q.KeyPrefix != "" {
		w.add("starts_with(resource_key, " + w.arg(q.KeyPrefix) + ")")
	}
	if !q.ActiveAt.IsZero() {
		w.add("expires_at > " + w.arg(q.ActiveAt.UTC()))
	}
	if !q.After.IsZero() {
		w.add("(created_at, id) > (" + w.arg(q.After.CreatedAt.UTC()) + ", " + w.arg(q.After.ID) + ")")
	}
	query := `SELECT ` + leaseColumns + ` FROM leases` + w.String() + ` ORDER BY created_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ` + w.arg(q.Limit)
	}
	rows, err := t.q.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return collectLeases(rows)
}

func (t *tx) AppendEvent(ctx context.Context, ev core.LeaseEvent) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO lease_events (lease_id, project, event_type, actor, detail, at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.LeaseID, ev.Project, string(ev.Type), int64(ev.Actor), ev.Detail, ev.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append lease event: %w", err)
	}
	return nil
}

func (t *tx) LeaseEvents(ctx context.Context, leaseID string) ([]core.LeaseEvent, error) {
	rows, err := t.q.Query(ctx,
		`SELECT seq, lease_id, project, event_type, actor, detail, at FROM lease_events
		 WHERE lease_id = $1 ORDER BY seq`,
		leaseID,
	)
	if err != nil {
		return nil, fmt.Errorf("lease events: %w", err)
	}
	defer rows.Close()
	var out []core.LeaseEvent
	for rows.Next() {
		var (
			ev  core.LeaseEvent
			typ string
		)
		if err := rows.Scan(&ev.Seq, &ev.LeaseID, &ev.Project, &typ, &ev.Actor, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan lease event: %w", err)
		}
		ev.Type = core.EventType(typ)
		ev.At = ev.At.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
