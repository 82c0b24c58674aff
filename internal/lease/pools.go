package lease

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// DefinePool creates a slot pool or changes its capacity. Capacity may not
// drop below the number of slots currently held.
func (s *Service) DefinePool(ctx context.Context, project, name string, capacity int) (_ core.Pool, err error) {
	ctx, done := s.observe(ctx, "define_pool", core.KindSlotPool,
		attribute.String("lease.project", project),
		attribute.String("lease.pool", name),
	)
	defer func() { done(err) }()

	if err := validateProject(project); err != nil {
		return core.Pool{}, err
	}
	if _, err := normalizeResource(core.SlotPool(name)); err != nil {
		return core.Pool{}, err
	}
	if capacity <= 0 {
		return core.Pool{}, core.Invalid("capacity", "must be positive, got %d", capacity)
	}

	var (
		out     core.Pool
		expired []core.Lease
		now     time.Time
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		now = s.now()
		var err error
		if expired, err = s.reclaimProject(ctx, tx, project, now); err != nil {
			return err
		}
		n, err := tx.CountActive(ctx, project, core.SlotPool(name), now)
		if err != nil {
			return err
		}
		if capacity < n {
			return core.Invalid("capacity", "%d is below the %d slots currently held in %q", capacity, n, name)
		}
		out = core.Pool{Project: project, Name: name, Capacity: capacity, Active: n}
		return tx.PutPool(ctx, out)
	})
	if err != nil {
		return core.Pool{}, err
	}
	s.afterReclaim(expired, now)
	s.logger.Info("pool defined", "project", project, "pool", name, "capacity", capacity)
	return out, nil
}

// GetPool returns a pool definition with its current active slot count.
func (s *Service) GetPool(ctx context.Context, project, name string) (_ core.Pool, err error) {
	ctx, done := s.observe(ctx, "get_pool", core.KindSlotPool, attribute.String("lease.pool", name))
	defer func() { done(err) }()

	var out core.Pool
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		now := s.now()
		p, err := tx.GetPool(ctx, project, name)
		if err != nil {
			return err
		}
		p.Active, err = tx.CountActive(ctx, project, core.SlotPool(name), now)
		out = p
		return err
	})
	return out, err
}

func (s *Service) ListPools(ctx context.Context, project string) (_ []core.Pool, err error) {
	ctx, done := s.observe(ctx, "list_pools", core.KindSlotPool, attribute.String("lease.project", project))
	defer func() { done(err) }()

	if err := validateProject(project); err != nil {
		return nil, err
	}
	var out []core.Pool
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		now := s.now()
		pools, err := tx.ListPools(ctx, project)
		if err != nil {
			return err
		}
		for i := range pools {
			if pools[i].Active, err = tx.CountActive(ctx, project, core.SlotPool(pools[i].Name), now); err != nil {
				return err
			}
		}
		out = pools
		return nil
	})
	return out, err
}
