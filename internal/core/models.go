package core

import (
	"slices"
	"time"
)

// AgentID is the stable numeric identity of an agent within a project.
// Zero means "no agent".
type AgentID int64

// ResourceKind tags what a lease's key names.
type ResourceKind string

const (
	KindFilePattern ResourceKind = "file_pattern"
	KindSlotPool    ResourceKind = "slot_pool"
)

func (k ResourceKind) Valid() bool {
	return k == KindFilePattern || k == KindSlotPool
}

type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeShared    Mode = "shared"
)

func (m Mode) Valid() bool {
	return m == ModeExclusive || m == ModeShared
}

type Status string

const (
	StatusActive        Status = "active"
	StatusReleased      Status = "released"
	StatusExpired       Status = "expired"
	StatusForceReleased Status = "force_released"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Resource is a tagged resource key: a path glob or a pool name.
type Resource struct {
	Kind ResourceKind
	Key  string
}

func FilePattern(pattern string) Resource {
	return Resource{Kind: KindFilePattern, Key: pattern}
}

func SlotPool(name string) Resource {
	return Resource{Kind: KindSlotPool, Key: name}
}

func (r Resource) String() string {
	return string(r.Kind) + ":" + r.Key
}

// Lease is a time-bounded grant on a Resource. Rows are never deleted;
// terminal leases stay as audit history.
type Lease struct {
	ID            string
	Project       string
	Resource      Resource
	Mode          Mode
	Holder        AgentID
	Reason        string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	RenewedCount  int
	Status        Status
	ReleasedAt    time.Time
	ReleasedBy    AgentID
	Justification string
}

// ActiveAt reports whether the lease grants access at now. A lease whose
// expiry has been reached is not active even before the reclaimer has
// recorded the transition.
func (l Lease) ActiveAt(now time.Time) bool {
	return l.Status == StatusActive && now.Before(l.ExpiresAt)
}

// Pool is a capacity-bounded slot pool definition. Active is filled in on
// reads and is not part of the definition.
type Pool struct {
	Project  string
	Name     string
	Capacity int
	Active   int
}

type Agent struct {
	ID           AgentID
	Project      string
	Name         string
	Capabilities []string
	CreatedAt    time.Time
}

func (a Agent) HasCapability(name string) bool {
	return slices.Contains(a.Capabilities, name)
}

// CapabilityForceRelease lets an agent terminate leases it does not hold.
const CapabilityForceRelease = "lease.force_release"
