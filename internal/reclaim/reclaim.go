// Package reclaim moves leases whose TTL has elapsed from active to
// expired. The same transition runs inline from the lease service before it
// evaluates conflicts or capacity, and periodically from a Reclaimer. The
// two never share memory: every transition is a guarded update inside a
// store transaction.
package reclaim

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Expire applies the expiry transition to l if it is still active and its
// expiry has been reached at now. It reports whether this call performed
// the transition; a concurrent terminal transition makes it a no-op.
func Expire(ctx context.Context, tx storage.Tx, l core.Lease, now time.Time) (core.Lease, bool, error) {
	if l.Status != core.StatusActive || now.Before(l.ExpiresAt) {
		return l, false, nil
	}
	expired := l
	expired.Status = core.StatusExpired
	expired.ReleasedAt = now
	ok, err := tx.UpdateActive(ctx, expired)
	if err != nil {
		return l, false, fmt.Errorf("expire %s: %w", l.ID, err)
	}
	if !ok {
		current, err := tx.GetLease(ctx, l.ID)
		if err != nil {
			return l, false, err
		}
		return current, false, nil
	}
	err = tx.AppendEvent(ctx, core.LeaseEvent{
		LeaseID: l.ID,
		Project: l.Project,
		Type:    core.EventLeaseExpired,
		Detail:  "ttl elapsed at " + l.ExpiresAt.Format(time.RFC3339Nano),
		At:      now,
	})
	if err != nil {
		return l, false, err
	}
	return expired, true, nil
}

// ExpireDue expires up to limit due leases in project (all projects when
// project is empty) and returns the ones it transitioned. A limit of zero
// means no limit.
func ExpireDue(ctx context.Context, tx storage.Tx, project string, now time.Time, limit int) ([]core.Lease, error) {
	due, err := tx.DueLeases(ctx, project, now, limit)
	if err != nil {
		return nil, err
	}
	var out []core.Lease
	for _, l := range due {
		expired, ok, err := Expire(ctx, tx, l, now)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, expired)
		}
	}
	return out, nil
}
