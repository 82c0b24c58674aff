package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mistakeknot/interlock/internal/conflict"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/glob"
	"github.com/mistakeknot/interlock/internal/storage"
)

type AcquireRequest struct {
	Project  string
	Resource core.Resource
	Mode     core.Mode
	Holder   core.AgentID
	TTL      time.Duration
	Reason   string
}

// grant is the outcome of one acquisition inside a transaction.
type grant struct {
	lease   core.Lease
	renewed bool
}

func (s *Service) validateAcquire(req *AcquireRequest) error {
	if err := validateProject(req.Project); err != nil {
		return err
	}
	if err := validateHolder("holder", req.Holder); err != nil {
		return err
	}
	if err := s.validateTTL("ttl", req.TTL); err != nil {
		return err
	}
	if err := validateReason(req.Reason); err != nil {
		return err
	}
	res, err := normalizeResource(req.Resource)
	if err != nil {
		return err
	}
	req.Resource = res
	if res.Kind == core.KindSlotPool {
		// each slot is one exclusive unit of capacity
		req.Mode = core.ModeExclusive
	}
	if !req.Mode.Valid() {
		return core.Invalid("mode", "must be exclusive or shared, got %q", req.Mode)
	}
	return nil
}

// Acquire grants a new lease, or extends the holder's identical active
// file-pattern lease. It fails with a *core.ValidationError, a
// *core.ConflictError naming the blocking leases, or a
// *core.PoolExhaustedError.
func (s *Service) Acquire(ctx context.Context, req AcquireRequest) (_ core.Lease, err error) {
	ctx, done := s.observe(ctx, "acquire", req.Resource.Kind,
		attribute.String("lease.project", req.Project),
		attribute.String("lease.key", req.Resource.Key),
		attribute.String("lease.mode", string(req.Mode)),
	)
	defer func() { done(err) }()

	if err := s.validateAcquire(&req); err != nil {
		return core.Lease{}, err
	}

	var (
		g        grant
		expired  []core.Lease
		rejected error
		now      time.Time
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		rejected = nil
		now = s.now()
		var err error
		if expired, err = s.reclaimProject(ctx, tx, req.Project, now); err != nil {
			return err
		}
		g, err = s.acquireOne(ctx, tx, req, now)
		if core.IsDomain(err) {
			// keep the reclaim work, report the rejection after commit
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return core.Lease{}, err
	}
	s.afterReclaim(expired, now)
	if rejected != nil {
		s.logger.Debug("lease rejected", "project", req.Project, "key", req.Resource.Key, "holder", int64(req.Holder), "reason", rejected)
		return core.Lease{}, rejected
	}
	s.reportGrant(g, now)
	return g.lease, nil
}

// AcquireSlot takes one unit of capacity from a defined pool.
func (s *Service) AcquireSlot(ctx context.Context, project, pool string, holder core.AgentID, ttl time.Duration, reason string) (core.Lease, error) {
	return s.Acquire(ctx, AcquireRequest{
		Project:  project,
		Resource: core.SlotPool(pool),
		Mode:     core.ModeExclusive,
		Holder:   holder,
		TTL:      ttl,
		Reason:   reason,
	})
}

func (s *Service) reportGrant(g grant, now time.Time) {
	if g.renewed {
		s.logger.Info("lease renewed", leaseAttrs(g.lease)...)
		s.publish(core.EventLeaseRenewed, now, g.lease)
		return
	}
	s.logger.Info("lease acquired", leaseAttrs(g.lease)...)
	s.publish(core.EventLeaseAcquired, now, g.lease)
}

// acquireOne runs the check-then-write for one validated request. Expired
// leases must already have been reclaimed in tx.
func (s *Service) acquireOne(ctx context.Context, tx storage.Tx, req AcquireRequest, now time.Time) (grant, error) {
	switch req.Resource.Kind {
	case core.KindFilePattern:
		active, err := tx.ActiveLeases(ctx, req.Project, core.KindFilePattern)
		if err != nil {
			return grant{}, err
		}
		for _, l := range active {
			if l.Holder == req.Holder && l.Resource == req.Resource && l.Mode == req.Mode {
				return s.reacquire(ctx, tx, l, req, now)
			}
		}
		if blocking := conflict.Blocking(req.Resource, req.Mode, active, nil); len(blocking) > 0 {
			return grant{}, &core.ConflictError{Resource: req.Resource, Blocking: blocking}
		}

	case core.KindSlotPool:
		pool, err := tx.GetPool(ctx, req.Project, req.Resource.Key)
		if errors.Is(err, core.ErrNotFound) {
			return grant{}, core.Invalid("pool", "%q is not defined in project %q", req.Resource.Key, req.Project)
		}
		if err != nil {
			return grant{}, err
		}
		n, err := tx.CountActive(ctx, req.Project, req.Resource, now)
		if err != nil {
			return grant{}, err
		}
		if n >= pool.Capacity {
			return grant{}, &core.PoolExhaustedError{Pool: pool.Name, Capacity: pool.Capacity, Active: n}
		}
	}

	l := core.Lease{
		ID:        uuid.NewString(),
		Project:   req.Project,
		Resource:  req.Resource,
		Mode:      req.Mode,
		Holder:    req.Holder,
		Reason:    req.Reason,
		CreatedAt: now,
		ExpiresAt: now.Add(req.TTL),
		Status:    core.StatusActive,
	}
	if err := tx.InsertLease(ctx, l); err != nil {
		return grant{}, err
	}
	err := tx.AppendEvent(ctx, core.LeaseEvent{
		LeaseID: l.ID, Project: l.Project, Type: core.EventLeaseAcquired,
		Actor: l.Holder, Detail: l.Reason, At: now,
	})
	return grant{lease: l}, err
}

// reacquire extends an identical active lease instead of creating a second
// row that would conflict with it.
func (s *Service) reacquire(ctx context.Context, tx storage.Tx, l core.Lease, req AcquireRequest, now time.Time) (grant, error) {
	if exp := now.Add(req.TTL); exp.After(l.ExpiresAt) {
		l.ExpiresAt = exp
	}
	l.RenewedCount++
	if req.Reason != "" {
		l.Reason = req.Reason
	}
	ok, err := tx.UpdateActive(ctx, l)
	if err != nil {
		return grant{}, err
	}
	if !ok {
		return grant{}, fmt.Errorf("re-acquire %s: lease changed state during transaction", l.ID)
	}
	err = tx.AppendEvent(ctx, core.LeaseEvent{
		LeaseID: l.ID, Project: l.Project, Type: core.EventLeaseRenewed,
		Actor: l.Holder, Detail: "re-acquired", At: now,
	})
	return grant{lease: l, renewed: true}, err
}

type ReservePathsRequest struct {
	Project   string
	Holder    core.AgentID
	Patterns  []string
	TTL       time.Duration
	Exclusive bool
	Reason    string
}

// ReservePaths acquires one file-pattern lease per distinct pattern, all or
// nothing. Results follow the order of first appearance in Patterns.
func (s *Service) ReservePaths(ctx context.Context, req ReservePathsRequest) (_ []core.Lease, err error) {
	ctx, done := s.observe(ctx, "reserve_paths", core.KindFilePattern,
		attribute.String("lease.project", req.Project),
		attribute.Int("lease.patterns", len(req.Patterns)),
	)
	defer func() { done(err) }()

	mode := core.ModeShared
	if req.Exclusive {
		mode = core.ModeExclusive
	}
	reqs, err := s.pathRequests(req, mode)
	if err != nil {
		return nil, err
	}

	var (
		grants  []grant
		expired []core.Lease
		now     time.Time
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		grants = grants[:0]
		now = s.now()
		var err error
		if expired, err = s.reclaimProject(ctx, tx, req.Project, now); err != nil {
			return err
		}
		for _, r := range reqs {
			g, err := s.acquireOne(ctx, tx, r, now)
			if err != nil {
				return err
			}
			grants = append(grants, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterReclaim(expired, now)
	out := make([]core.Lease, 0, len(grants))
	for _, g := range grants {
		s.reportGrant(g, now)
		out = append(out, g.lease)
	}
	return out, nil
}

func (s *Service) pathRequests(req ReservePathsRequest, mode core.Mode) ([]AcquireRequest, error) {
	if len(req.Patterns) == 0 {
		return nil, core.Invalid("patterns", "at least one pattern required")
	}
	seen := make(map[string]bool, len(req.Patterns))
	var (
		out    []AcquireRequest
		parsed []*glob.Pattern
	)
	for _, raw := range req.Patterns {
		r := AcquireRequest{
			Project:  req.Project,
			Resource: core.FilePattern(raw),
			Mode:     mode,
			Holder:   req.Holder,
			TTL:      req.TTL,
			Reason:   req.Reason,
		}
		if err := s.validateAcquire(&r); err != nil {
			return nil, err
		}
		if seen[r.Resource.Key] {
			continue
		}
		seen[r.Resource.Key] = true
		p := glob.MustParse(r.Resource.Key)
		if mode == core.ModeExclusive {
			for i, q := range parsed {
				if glob.Overlap(p, q) {
					return nil, core.Invalid("patterns", "%q overlaps %q in the same exclusive request", raw, out[i].Resource.Key)
				}
			}
		}
		parsed = append(parsed, p)
		out = append(out, r)
	}
	return out, nil
}

// CheckConflicts reports the active leases that would block holder from
// acquiring r in mode right now, without writing anything. A lease the
// holder could re-acquire is not reported. For a pool the active slot
// leases are returned when the pool is full.
func (s *Service) CheckConflicts(ctx context.Context, project string, r core.Resource, mode core.Mode, holder core.AgentID) (_ []core.Lease, err error) {
	ctx, done := s.observe(ctx, "check_conflicts", r.Kind, attribute.String("lease.project", project))
	defer func() { done(err) }()

	if err := validateProject(project); err != nil {
		return nil, err
	}
	if r, err = normalizeResource(r); err != nil {
		return nil, err
	}
	if r.Kind == core.KindSlotPool {
		mode = core.ModeExclusive
	}
	if !mode.Valid() {
		return nil, core.Invalid("mode", "must be exclusive or shared, got %q", mode)
	}

	var out []core.Lease
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		out = nil
		now := s.now()
		active, err := tx.ActiveLeases(ctx, project, r.Kind)
		if err != nil {
			return err
		}
		stale := func(l core.Lease) bool { return !l.ActiveAt(now) }
		if r.Kind == core.KindFilePattern {
			out = conflict.Blocking(r, mode, active, func(l core.Lease) bool {
				return stale(l) || (holder != 0 && l.Holder == holder && l.Resource == r && l.Mode == mode)
			})
			return nil
		}
		pool, err := tx.GetPool(ctx, project, r.Key)
		if errors.Is(err, core.ErrNotFound) {
			return core.Invalid("pool", "%q is not defined in project %q", r.Key, project)
		}
		if err != nil {
			return err
		}
		held := conflict.Blocking(r, mode, active, stale)
		if len(held) >= pool.Capacity {
			out = held
		}
		return nil
	})
	return out, err
}
