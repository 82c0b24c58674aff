// Package storage defines the transactional contract every lease backend
// implements, plus the retry and circuit-breaking wrapper the lease service
// runs transactions through.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// ErrTransient marks a storage error that is safe to retry: lock
// contention, serialization failures, deadlock victims.
var ErrTransient = errors.New("transient storage contention")

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Store is the authoritative record of leases, pools and agents.
type Store interface {
	// InTx runs fn inside a single read-write transaction at serializable
	// isolation (or an equivalent single-writer lock). The transaction
	// commits when fn returns nil and rolls back otherwise. fn may be run
	// more than once by callers that retry, so it must not carry state
	// between attempts.
	InTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the set of reads and writes available inside a transaction.
// Lookups that find nothing return an error wrapping core.ErrNotFound.
type Tx interface {
	InsertLease(ctx context.Context, l core.Lease) error
	GetLease(ctx context.Context, id string) (core.Lease, error)
	// ActiveLeases returns leases with status active for the project and
	// kind, ordered by created_at then id. It does not filter on expiry.
	ActiveLeases(ctx context.Context, project string, kind core.ResourceKind) ([]core.Lease, error)
	// CountActive counts active, unexpired leases on one resource.
	CountActive(ctx context.Context, project string, r core.Resource, now time.Time) (int, error)
	// UpdateActive writes l over the stored row only if the stored row is
	// still active, and reports whether it did.
	UpdateActive(ctx context.Context, l core.Lease) (bool, error)
	// DueLeases returns active leases whose expiry is at or before now,
	// oldest expiry first. An empty project means all projects.
	DueLeases(ctx context.Context, project string, now time.Time, limit int) ([]core.Lease, error)
	ListLeases(ctx context.Context, q ListQuery) ([]core.Lease, error)

	AppendEvent(ctx context.Context, ev core.LeaseEvent) error
	LeaseEvents(ctx context.Context, leaseID string) ([]core.LeaseEvent, error)

	GetPool(ctx context.Context, project, name string) (core.Pool, error)
	PutPool(ctx context.Context, p core.Pool) error
	ListPools(ctx context.Context, project string) ([]core.Pool, error)

	// UpsertAgent creates the agent or replaces its capabilities, keeping
	// the id stable.
	UpsertAgent(ctx context.Context, a core.Agent) (core.Agent, error)
	AgentByName(ctx context.Context, project, name string) (core.Agent, error)
	AgentByID(ctx context.Context, id core.AgentID) (core.Agent, error)
	ListAgents(ctx context.Context, project string) ([]core.Agent, error)
}

// Cursor is a keyset position in created_at, id order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) IsZero() bool { return c.ID == "" }

// ListQuery filters ListLeases. Zero values mean "any".
type ListQuery struct {
	Project   string
	Kind      core.ResourceKind
	Holder    core.AgentID
	Status    core.Status
	KeyPrefix string
	// ActiveAt, when set, drops leases whose expiry is at or before it.
	ActiveAt time.Time
	After    Cursor
	Limit    int
}
