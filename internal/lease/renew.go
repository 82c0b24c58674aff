package lease

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/reclaim"
	"github.com/mistakeknot/interlock/internal/storage"
)

// liveLease is a lease loaded for a state change. When rejected is set the
// transaction still commits (it may have recorded an expiry) and the
// operation reports rejected afterwards.
type liveLease struct {
	lease    core.Lease
	expired  bool
	rejected error
}

// loadOwned fetches a lease for an action by its holder. Holder mismatch is
// checked before liveness so non-holders learn nothing about state.
func (s *Service) loadOwned(ctx context.Context, tx storage.Tx, id string, holder core.AgentID, now time.Time) (liveLease, error) {
	l, err := tx.GetLease(ctx, id)
	if err != nil {
		return liveLease{}, err
	}
	if l.Holder != holder {
		return liveLease{lease: l, rejected: fmt.Errorf("lease %s is held by agent %d: %w", id, l.Holder, core.ErrNotHolder)}, nil
	}
	return s.checkLive(ctx, tx, l, now)
}

// checkLive rejects terminal leases and reclaims one found past its expiry.
func (s *Service) checkLive(ctx context.Context, tx storage.Tx, l core.Lease, now time.Time) (liveLease, error) {
	if l.Status.Terminal() {
		return liveLease{lease: l, rejected: &core.ExpiredError{LeaseID: l.ID, Status: l.Status}}, nil
	}
	l, expired, err := reclaim.Expire(ctx, tx, l, now)
	if err != nil {
		return liveLease{}, err
	}
	if expired || l.Status.Terminal() {
		return liveLease{lease: l, expired: expired, rejected: &core.ExpiredError{LeaseID: l.ID, Status: l.Status}}, nil
	}
	return liveLease{lease: l}, nil
}

// extend applies one renewal to an active lease inside tx.
func (s *Service) extend(ctx context.Context, tx storage.Tx, l core.Lease, by time.Duration, actor core.AgentID, now time.Time) (core.Lease, error) {
	next := l
	next.ExpiresAt = l.ExpiresAt.Add(by)
	if remaining := next.ExpiresAt.Sub(now); remaining > s.maxTTL {
		return l, core.Invalid("extend", "remaining lifetime %s would exceed maximum of %s", remaining, s.maxTTL)
	}
	next.RenewedCount++
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
		LeaseID: l.ID, Project: l.Project, Type: core.EventLeaseRenewed,
		Actor: actor, Detail: "extended by " + by.String(), At: now,
	})
	return next, err
}

// Renew pushes a lease's expiry back by extend. Only the holder may renew,
// and a lease that is already terminal (or found past its expiry) is never
// resurrected.
func (s *Service) Renew(ctx context.Context, id string, holder core.AgentID, extend time.Duration) (_ core.Lease, err error) {
	ctx, done := s.observe(ctx, "renew", "", attribute.String("lease.id", id))
	defer func() { done(err) }()

	if id == "" {
		return core.Lease{}, core.Invalid("lease_id", "required")
	}
	if err := validateHolder("holder", holder); err != nil {
		return core.Lease{}, err
	}
	if err := s.validateTTL("extend", extend); err != nil {
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
		out, err = s.extend(ctx, tx, out, extend, holder, now)
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
	s.logger.Info("lease renewed", append(leaseAttrs(out), "expires_at", out.ExpiresAt)...)
	s.publish(core.EventLeaseRenewed, now, out)
	return out, nil
}

// RenewPaths renews the holder's active file-pattern leases whose keys are
// in patterns, or all of them when patterns is empty. It fails with
// core.ErrNotFound when nothing matches.
func (s *Service) RenewPaths(ctx context.Context, project string, holder core.AgentID, patterns []string, extend time.Duration) (_ []core.Lease, err error) {
	ctx, done := s.observe(ctx, "renew_paths", core.KindFilePattern, attribute.String("lease.project", project))
	defer func() { done(err) }()

	if err := validateProject(project); err != nil {
		return nil, err
	}
	if err := validateHolder("holder", holder); err != nil {
		return nil, err
	}
	if err := s.validateTTL("extend", extend); err != nil {
		return nil, err
	}
	keys, err := patternKeys(patterns)
	if err != nil {
		return nil, err
	}

	var (
		renewed []core.Lease
		expired []core.Lease
		now     time.Time
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		renewed = renewed[:0]
		now = s.now()
		var err error
		if expired, err = s.reclaimProject(ctx, tx, project, now); err != nil {
			return err
		}
		held, err := s.heldPaths(ctx, tx, project, holder, keys)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			return fmt.Errorf("no active reservations for agent %d matching %v: %w", holder, patterns, core.ErrNotFound)
		}
		for _, l := range held {
			next, err := s.extend(ctx, tx, l, extend, holder, now)
			if err != nil {
				return err
			}
			renewed = append(renewed, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterReclaim(expired, now)
	for _, l := range renewed {
		s.logger.Info("lease renewed", append(leaseAttrs(l), "expires_at", l.ExpiresAt)...)
	}
	s.publish(core.EventLeaseRenewed, now, renewed...)
	return renewed, nil
}

// patternKeys normalizes patterns into a lookup set. A nil set means every
// key matches.
func patternKeys(patterns []string) (map[string]bool, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	keys := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		r, err := normalizeResource(core.FilePattern(p))
		if err != nil {
			return nil, err
		}
		keys[r.Key] = true
	}
	return keys, nil
}

func (s *Service) heldPaths(ctx context.Context, tx storage.Tx, project string, holder core.AgentID, keys map[string]bool) ([]core.Lease, error) {
	all, err := tx.ListLeases(ctx, storage.ListQuery{
		Project: project,
		Kind:    core.KindFilePattern,
		Holder:  holder,
		Status:  core.StatusActive,
	})
	if err != nil {
		return nil, err
	}
	if keys == nil {
		return all, nil
	}
	out := all[:0]
	for _, l := range all {
		if keys[l.Resource.Key] {
			out = append(out, l)
		}
	}
	return out, nil
}
