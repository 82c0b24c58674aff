// Package ws pushes committed lease transitions to websocket subscribers.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/core"
	httpapi "github.com/mistakeknot/interlock/internal/http"
)

const (
	writeTimeout  = 5 * time.Second
	DefaultBuffer = 64
)

type subscriber struct {
	holder core.AgentID
	out    chan httpapi.Event
}

// Hub fans lease events out to subscribers of a project. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

type Option func(*Hub)

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: DefaultBuffer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handler serves /ws/leases?project=P[&holder=ID]. With holder set only
// that agent's leases are delivered.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		requestedProject := strings.TrimSpace(q.Get("project"))
		info, _ := auth.FromContext(r.Context())
		project := requestedProject
		if info.Mode == auth.ModeAPIKey {
			if requestedProject != "" && requestedProject != info.Project {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			project = info.Project
		}
		if project == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var holder core.AgentID
		if v := q.Get("holder"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			holder = core.AgentID(id)
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "closing")

		sub := &subscriber{holder: holder, out: make(chan httpapi.Event, h.buffer)}
		h.add(project, sub)
		defer h.remove(project, sub)

		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.out:
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, ev)
				cancel()
				if err != nil {
					h.logger.Debug("ws write failed", "project", project, "error", err)
					return
				}
			}
		}
	}
}

// Publish queues e for every matching subscriber.
func (h *Hub) Publish(e core.Event) {
	subs := h.snapshot(e.Project)
	if len(subs) == 0 {
		return
	}
	msg := httpapi.ToEvent(e)
	for _, sub := range subs {
		if sub.holder != 0 && sub.holder != e.Lease.Holder {
			continue
		}
		select {
		case sub.out <- msg:
		default:
			h.logger.Warn("ws subscriber lagging, event dropped", "project", e.Project, "type", e.Type, "lease", e.Lease.ID)
		}
	}
}

// Subscribers reports how many connections watch project.
func (h *Hub) Subscribers(project string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[project])
}

func (h *Hub) snapshot(project string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscriber, 0, len(h.subs[project]))
	for sub := range h.subs[project] {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) add(project string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.subs[project]
	if !ok {
		perProject = make(map[*subscriber]struct{})
		h.subs[project] = perProject
	}
	perProject[sub] = struct{}{}
}

func (h *Hub) remove(project string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perProject, ok := h.subs[project]
	if !ok {
		return
	}
	delete(perProject, sub)
	if len(perProject) == 0 {
		delete(h.subs, project)
	}
}
