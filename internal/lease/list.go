package lease

import (
	"context"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/reclaim"
	"github.com/mistakeknot/interlock/internal/storage"
)

// ListFilter narrows ListActive. Zero fields match everything.
type ListFilter struct {
	Project   string
	Kind      core.ResourceKind
	Holder    core.AgentID
	KeyPrefix string
}

// ListActive returns the project's active leases in created_at order.
//
// The sequence is lazy: leases are read a page at a time, each page in its
// own transaction that first reclaims every lease in the project that is
// past its expiry. Ranging over the sequence again starts a fresh read.
// A failure is yielded once as the error of the final element.
func (s *Service) ListActive(ctx context.Context, f ListFilter) iter.Seq2[core.Lease, error] {
	return func(yield func(core.Lease, error) bool) {
		if err := validateProject(f.Project); err != nil {
			yield(core.Lease{}, err)
			return
		}
		if f.Kind != "" && !f.Kind.Valid() {
			yield(core.Lease{}, core.Invalid("resource_kind", "unknown kind %q", f.Kind))
			return
		}
		var after storage.Cursor
		for {
			page, err := s.listPage(ctx, f, after)
			if err != nil {
				yield(core.Lease{}, err)
				return
			}
			for _, l := range page {
				if !yield(l, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			after = storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

func (s *Service) listPage(ctx context.Context, f ListFilter, after storage.Cursor) (_ []core.Lease, err error) {
	ctx, done := s.observe(ctx, "list_active", f.Kind, attribute.String("lease.project", f.Project))
	defer func() { done(err) }()

	var (
		page    []core.Lease
		expired []core.Lease
		now     time.Time
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		now = s.now()
		var err error
		if expired, err = s.reclaimProject(ctx, tx, f.Project, now); err != nil {
			return err
		}
		page, err = tx.ListLeases(ctx, storage.ListQuery{
			Project:   f.Project,
			Kind:      f.Kind,
			Holder:    f.Holder,
			KeyPrefix: f.KeyPrefix,
			Status:    core.StatusActive,
			ActiveAt:  now,
			After:     after,
			Limit:     s.pageSize,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterReclaim(expired, now)
	return page, nil
}

// CollectActive drains ListActive into a slice.
func (s *Service) CollectActive(ctx context.Context, f ListFilter) ([]core.Lease, error) {
	var out []core.Lease
	for l, err := range s.ListActive(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Get returns one lease in any state. An active lease found past its
// expiry is reclaimed before it is returned.
func (s *Service) Get(ctx context.Context, id string) (_ core.Lease, err error) {
	ctx, done := s.observe(ctx, "get", "", attribute.String("lease.id", id))
	defer func() { done(err) }()

	var (
		out     core.Lease
		expired bool
		now     time.Time
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		now = s.now()
		l, err := tx.GetLease(ctx, id)
		if err != nil {
			return err
		}
		out, expired, err = reclaim.Expire(ctx, tx, l, now)
		return err
	})
	if err != nil {
		return core.Lease{}, err
	}
	if expired {
		s.afterReclaim([]core.Lease{out}, now)
	}
	return out, nil
}

// History returns the append-only audit trail of a lease, oldest first.
func (s *Service) History(ctx context.Context, id string) (_ []core.LeaseEvent, err error) {
	ctx, done := s.observe(ctx, "history", "", attribute.String("lease.id", id))
	defer func() { done(err) }()

	var out []core.LeaseEvent
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetLease(ctx, id); err != nil {
			return err
		}
		var err error
		out, err = tx.LeaseEvents(ctx, id)
		return err
	})
	return out, err
}
