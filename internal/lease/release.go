package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

const maxJustificationLen = 2048

// terminate writes a terminal status onto an active lease and records the
// audit event.
func terminate(ctx context.Context, tx storage.Tx, l core.Lease, status core.Status, actor core.AgentID, justification string, now time.Time) (core.Lease, error) {
	next := l
	next.Status = status
	next.ReleasedAt = now
	if status == core.StatusForceReleased {
		next.ReleasedBy = actor
		next.Justification = justification
	}
	ok, err := tx.UpdateActive(ctx, next)
	if err != nil {
		return l, err
	}
	if !ok {
		current, err := tx.GetLease(ctx, l.ID)
		if err != nil {
			return l, err
		}
		return current, &core.ExpiredError{LeaseID: l.ID, Status: current.Status}
	}
	err = tx.AppendEvent(ctx, core.LeaseEvent{
		LeaseID: l.ID, Project: l.Project, Type: core.EventForStatus(status),
		Actor: actor, Detail: justification, At: now,
	})
	return next, err
}

// Release ends a lease on behalf of its holder. Pool capacity held by the
// lease is free as soon as the transaction commits.
func (s *Service) Release(ctx context.Context, id string, holder core.AgentID) (_ core.Lease, err error) {
	ctx, done := s.observe(ctx, "release", "", attribute.String("lease.id", id))
	defer func() { done(err) }()

	if id == "" {
		return core.Lease{}, core.Invalid("lease_id", "required")
	}
	if err := validateHolder("holder", holder); err != nil {
		return core.Lease{}, err
	}

	var (
		out      core.Lease
		expired  bool
		rejected error
		now      time.Time
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		now = s.now()
		live, err := s.loadOwned(ctx, tx, id, holder, now)
		if err != nil {
			return err
		}
		out, expired, rejected = live.lease, live.expired, live.rejected
		if rejected != nil {
			return nil
		}
		out, err = terminate(ctx, tx, out, core.StatusReleased, holder, "", now)
		if core.IsDomain(err) {
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return core.Lease{}, err
	}
	if expired {
		s.afterReclaim([]core.Lease{out}, now)
	}
	if rejected != nil {
		return core.Lease{}, rejected
	}
	s.logger.Info("lease released", leaseAttrs(out)...)
	s.publish(core.EventLeaseReleased, now, out)
	return out, nil
}

// ReleasePaths releases the holder's active file-pattern leases whose keys
// are in patterns, or all of them when patterns is empty. Releasing nothing
// is not an error.
func (s *Service) ReleasePaths(ctx context.Context, project string, holder core.AgentID, patterns []string) (_ []core.Lease, err error) {
	ctx, done := s.observe(ctx, "release_paths", core.KindFilePattern, attribute.String("lease.project", project))
	defer func() { done(err) }()

	if err := validateProject(project); err != nil {
		return nil, err
	}
	if err := validateHolder("holder", holder); err != nil {
		return nil, err
	}
	keys, err := patternKeys(patterns)
	if err != nil {
		return nil, err
	}

	var (
		released []core.Lease
		expired  []core.Lease
		now      time.Time
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		released = released[:0]
		now = s.now()
		var err error
		if expired, err = s.reclaimProject(ctx, tx, project, now); err != nil {
			return err
		}
		held, err := s.heldPaths(ctx, tx, project, holder, keys)
		if err != nil {
			return err
		}
		for _, l := range held {
			next, err := terminate(ctx, tx, l, core.StatusReleased, holder, "", now)
			if err != nil {
				return err
			}
			released = append(released, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterReclaim(expired, now)
	for _, l := range released {
		s.logger.Info("lease released", leaseAttrs(l)...)
	}
	s.publish(core.EventLeaseReleased, now, released...)
	return released, nil
}

// ForceRelease ends a lease the actor does not hold. The actor must carry
// core.CapabilityForceRelease; the actor and justification are stored on
// the lease and in its audit history.
func (s *Service) ForceRelease(ctx context.Context, id string, actor core.AgentID, justification string) (_ core.Lease, err error) {
	ctx, done := s.observe(ctx, "force_release", "",
		attribute.String("lease.id", id),
		attribute.Int64("lease.actor", int64(actor)),
	)
	defer func() { done(err) }()

	justification = strings.TrimSpace(justification)
	if id == "" {
		return core.Lease{}, core.Invalid("lease_id", "required")
	}
	if err := validateHolder("actor", actor); err != nil {
		return core.Lease{}, err
	}
	if justification == "" {
		return core.Lease{}, core.Invalid("justification", "required for a forced release")
	}
	if len(justification) > maxJustificationLen {
		return core.Lease{}, core.Invalid("justification", "longer than %d bytes", maxJustificationLen)
	}

	if s.gate == nil {
		return core.Lease{}, fmt.Errorf("no capability gate configured: %w", core.ErrUnauthorized)
	}
	allowed, err := s.gate.HasCapability(ctx, actor, core.CapabilityForceRelease)
	if err != nil {
		return core.Lease{}, fmt.Errorf("capability check: %w", err)
	}
	if !allowed {
		return core.Lease{}, fmt.Errorf("agent %d lacks %s: %w", actor, core.CapabilityForceRelease, core.ErrUnauthorized)
	}

	var (
		out      core.Lease
		expired  bool
		rejected error
		now      time.Time
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		now = s.now()
		l, err := tx.GetLease(ctx, id)
		if err != nil {
			return err
		}
		live, err := s.checkLive(ctx, tx, l, now)
		if err != nil {
			return err
		}
		out, expired, rejected = live.lease, live.expired, live.rejected
		if rejected != nil {
			return nil
		}
		out, err = terminate(ctx, tx, out, core.StatusForceReleased, actor, justification, now)
		if core.IsDomain(err) {
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return core.Lease{}, err
	}
	if expired {
		s.afterReclaim([]core.Lease{out}, now)
	}
	if rejected != nil {
		return core.Lease{}, rejected
	}
	s.logger.Warn("lease force released", append(leaseAttrs(out), "actor", int64(actor), "justification", justification)...)
	s.publish(core.EventLeaseForceReleased, now, out)
	return out, nil
}
