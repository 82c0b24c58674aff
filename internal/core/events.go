package core

import "time"

type EventType string

const (
	EventLeaseAcquired      EventType = "lease.acquired"
	EventLeaseRenewed       EventType = "lease.renewed"
	EventLeaseReleased      EventType = "lease.released"
	EventLeaseExpired       EventType = "lease.expired"
	EventLeaseForceReleased EventType = "lease.force_released"
)

// EventForStatus maps a terminal status to the event that records it.
func EventForStatus(s Status) EventType {
	switch s {
	case StatusReleased:
		return EventLeaseReleased
	case StatusExpired:
		return EventLeaseExpired
	case StatusForceReleased:
		return EventLeaseForceReleased
	default:
		return EventLeaseAcquired
	}
}

// LeaseEvent is one row of a lease's append-only audit history.
type LeaseEvent struct {
	Seq     int64
	LeaseID string
	Project string
	Type    EventType
	Actor   AgentID
	Detail  string
	At      time.Time
}

// Event is what gets published to live subscribers after a commit.
type Event struct {
	Type    EventType
	Project string
	Lease   Lease
	At      time.Time
}
