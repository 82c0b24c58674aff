package httpapi

import (
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// Lease is the JSON form of a lease, shared with the websocket feed.
type Lease struct {
	ID            string     `json:"id"`
	Project       string     `json:"project"`
	Kind          string     `json:"kind"`
	Key           string     `json:"key"`
	Mode          string     `json:"mode"`
	Holder        int64      `json:"holder"`
	Reason        string     `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RenewedCount  int        `json:"renewed_count"`
	Status        string     `json:"status"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	ReleasedBy    int64      `json:"released_by,omitempty"`
	Justification string     `json:"justification,omitempty"`
}

func ToLease(l core.Lease) Lease {
	out := Lease{
		ID:            l.ID,
		Project:       l.Project,
		Kind:          string(l.Resource.Kind),
		Key:           l.Resource.Key,
		Mode:          string(l.Mode),
		Holder:        int64(l.Holder),
		Reason:        l.Reason,
		CreatedAt:     l.CreatedAt,
		ExpiresAt:     l.ExpiresAt,
		RenewedCount:  l.RenewedCount,
		Status:        string(l.Status),
		ReleasedBy:    int64(l.ReleasedBy),
		Justification: l.Justification,
	}
	if !l.ReleasedAt.IsZero() {
		t := l.ReleasedAt
		out.ReleasedAt = &t
	}
	return out
}

func toLeases(ls []core.Lease) []Lease {
	out := make([]Lease, 0, len(ls))
	for _, l := range ls {
		out = append(out, ToLease(l))
	}
	return out
}

// Event is a committed lease transition as pushed to subscribers.
type Event struct {
	Type    string    `json:"type"`
	Project string    `json:"project"`
	Lease   Lease     `json:"lease"`
	At      time.Time `json:"at"`
}

func ToEvent(e core.Event) Event {
	return Event{Type: string(e.Type), Project: e.Project, Lease: ToLease(e.Lease), At: e.At}
}

type historyEvent struct {
	Seq    int64     `json:"seq"`
	Type   string    `json:"type"`
	Actor  int64     `json:"actor"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type apiPool struct {
	Project  string `json:"project"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Active   int    `json:"active"`
}

func toPool(p core.Pool) apiPool {
	return apiPool{Project: p.Project, Name: p.Name, Capacity: p.Capacity, Active: p.Active}
}

type apiAgent struct {
	ID           int64     `json:"id"`
	Project      string    `json:"project"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
}

func toAgent(a core.Agent) apiAgent {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return apiAgent{ID: int64(a.ID), Project: a.Project, Name: a.Name, Capabilities: caps, CreatedAt: a.CreatedAt}
}

type errorBody struct {
	Error    string  `json:"error"`
	Message  string  `json:"message"`
	Field    string  `json:"field,omitempty"`
	Blocking []Lease `json:"blocking,omitempty"`
	Capacity int     `json:"capacity,omitempty"`
	Active   int     `json:"active,omitempty"`
}
