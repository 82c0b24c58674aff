package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

var _ storage.Tx = (*tx)(nil)

type tx struct {
	q querier
}

const leaseColumns = `id, project, resource_kind, resource_key, mode, holder_agent_id, reason,
	created_at, expires_at, renewed_count, status, released_at, released_by, justification`

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

type scanner interface {
	Scan(dest ...any) error
}

func scanLease(sc scanner) (core.Lease, error) {
	var (
		l                    core.Lease
		kind, mode, status   string
		createdAt, expiresAt int64
		releasedAt           sql.NullInt64
		releasedBy           sql.NullInt64
	)
	if err := sc.Scan(&l.ID, &l.Project, &kind, &l.Resource.Key, &mode, &l.Holder, &l.Reason,
		&createdAt, &expiresAt, &l.RenewedCount, &status, &releasedAt, &releasedBy, &l.Justification); err != nil {
		return core.Lease{}, err
	}
	l.Resource.Kind = core.ResourceKind(kind)
	l.Mode = core.Mode(mode)
	l.Status = core.Status(status)
	l.CreatedAt = fromNanos(createdAt)
	l.ExpiresAt = fromNanos(expiresAt)
	if releasedAt.Valid {
		l.ReleasedAt = fromNanos(releasedAt.Int64)
	}
	if releasedBy.Valid {
		l.ReleasedBy = core.AgentID(releasedBy.Int64)
	}
	return l, nil
}

func collectLeases(rows *sql.Rows) ([]core.Lease, error) {
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

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(t), Valid: true}
}

func nullAgent(id core.AgentID) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(id), Valid: true}
}

func (t *tx) InsertLease(ctx context.Context, l core.Lease) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO leases (`+leaseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Project, string(l.Resource.Kind), l.Resource.Key, string(l.Mode), int64(l.Holder), l.Reason,
		nanos(l.CreatedAt), nanos(l.ExpiresAt), l.RenewedCount, string(l.Status),
		nullTime(l.ReleasedAt), nullAgent(l.ReleasedBy), l.Justification,
	)
	if err != nil {
		return fmt.Errorf("insert lease: %w", err)
	}
	return nil
}

func (t *tx) GetLease(ctx context.Context, id string) (core.Lease, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = ?`, id)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Lease{}, fmt.Errorf("lease %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Lease{}, fmt.Errorf("get lease: %w", err)
	}
	return l, nil
}

func (t *tx) ActiveLeases(ctx context.Context, project string, kind core.ResourceKind) ([]core.Lease, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM leases
		 WHERE project = ? AND resource_kind = ? AND status = 'active'
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
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leases
		 WHERE project = ? AND resource_kind = ? AND resource_key = ? AND status = 'active' AND expires_at > ?`,
		project, string(r.Kind), r.Key, nanos(now),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

func (t *tx) UpdateActive(ctx context.Context, l core.Lease) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE leases SET mode = ?, reason = ?, expires_at = ?, renewed_count = ?, status = ?,
		   released_at = ?, released_by = ?, justification = ?
		 WHERE id = ? AND status = 'active'`,
		string(l.Mode), l.Reason, nanos(l.ExpiresAt), l.RenewedCount, string(l.Status),
		nullTime(l.ReleasedAt), nullAgent(l.ReleasedBy), l.Justification, l.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update lease: %w", err)
	}
	return n == 1, nil
}

func (t *tx) DueLeases(ctx context.Context, project string, now time.Time, limit int) ([]core.Lease, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE status = 'active' AND expires_at <= ?`
	args := []any{nanos(now)}
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY expires_at, id LIMIT ?`
	args = append(args, limit)
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due leases: %w", err)
	}
	return collectLeases(rows)
}

func (t *tx) ListLeases(ctx context.Context, q storage.ListQuery) ([]core.Lease, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, vals ...any) {
		where = append(where, clause)
		args = append(args, vals...)
	}
	if q.Project != "" {
		add("project = ?", q.Project)
	}
	if q.Kind != "" {
		add("resource_kind = ?", string(q.Kind))
	}
	if q.Holder != 0 {
		add("holder_agent_id = ?", int64(q.Holder))
	}
	if q.Status != "" {
		add("status = ?", string(q.Status))
	}
	if q.KeyPrefix != "" {
		add("substr(resource_key, 1, length(?)) = ?", q.KeyPrefix, q.KeyPrefix)
	}
	if !q.ActiveAt.IsZero() {
		add("expires_at > ?", nanos(q.ActiveAt))
	}
	if !q.After.IsZero() {
		c := nanos(q.After.CreatedAt)
		add("(created_at > ? OR (created_at = ? AND id > ?))", c, c, q.After.ID)
	}

	query := `SELECT ` + leaseColumns + ` FROM leases`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	return collectLeases(rows)
}

func (t *tx) AppendEvent(ctx context.Context, ev core.LeaseEvent) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO lease_events (lease_id, project, event_type, actor, detail, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.LeaseID, ev.Project, string(ev.Type), int64(ev.Actor), ev.Detail, nanos(ev.At),
	)
	if err != nil {
		return fmt.Errorf("append lease event: %w", err)
	}
	return nil
}

func (t *tx) LeaseEvents(ctx context.Context, leaseID string) ([]core.LeaseEvent, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT seq, lease_id, project, event_type, actor, detail, at FROM lease_events
		 WHERE lease_id = ? ORDER BY seq`,
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
			at  int64
		)
		if err := rows.Scan(&ev.Seq, &ev.LeaseID, &ev.Project, &typ, &ev.Actor, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan lease event: %w", err)
		}
		ev.Type = core.EventType(typ)
		ev.At = fromNanos(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
