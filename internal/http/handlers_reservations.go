package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/lease"
)

type reservationRequest struct {
	Project    string   `json:"project"`
	Agent      string   `json:"agent"`
	Patterns   []string `json:"patterns"`
	Exclusive  bool     `json:"exclusive"`
	TTLSeconds int64    `json:"ttl_seconds"`
	Reason     string   `json:"reason"`
}

type pathsRequest struct {
	Project       string   `json:"project"`
	Agent         string   `json:"agent"`
	Patterns      []string `json:"patterns"`
	ExtendSeconds *int64   `json:"extend_seconds,omitempty"`
}

type conflictsResponse struct {
	Blocking []Lease `json:"blocking"`
}

func (s *Service) handleReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req reservationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := projectFor(r, req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	holder, err := s.agentFor(r.Context(), project, req.Agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ttl, err := s.ttl(req.TTLSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	leases, err := s.leases.ReservePaths(r.Context(), lease.ReservePathsRequest{
		Project:   project,
		Holder:    holder,
		Patterns:  req.Patterns,
		TTL:       ttl,
		Exclusive: req.Exclusive,
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, leasesResponse{Leases: toLeases(leases)})
}

// handleReservationPaths serves /api/reservations/renew and
// /api/reservations/release.
func (s *Service) handleReservationPaths(w http.ResponseWriter, r *http.Request) {
	action, _ := splitPath(r.URL.Path, "/api/reservations/")
	if action != "renew" && action != "release" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req pathsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := projectFor(r, req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	holder, err := s.agentFor(r.Context(), project, req.Agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var leases []core.Lease
	if action == "renew" {
		var extend time.Duration
		if extend, err = s.extension(req.ExtendSeconds); err == nil {
			leases, err = s.leases.RenewPaths(r.Context(), project, holder, req.Patterns, extend)
		}
	} else {
		leases, err = s.leases.ReleasePaths(r.Context(), project, holder, req.Patterns)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leasesResponse{Leases: toLeases(leases)})
}

func (s *Service) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	project, err := projectFor(r, q.Get("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var holder core.AgentID
	if name := q.Get("agent"); name != "" {
		if holder, err = s.agentFor(r.Context(), project, name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	kind := core.ResourceKind(q.Get("kind"))
	if kind == "" {
		kind = core.KindFilePattern
	}
	mode := core.Mode(q.Get("mode"))
	if mode == "" {
		mode = core.ModeExclusive
	}
	blocking, err := s.leases.CheckConflicts(r.Context(), project, core.Resource{Kind: kind, Key: q.Get("key")}, mode, holder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conflictsResponse{Blocking: toLeases(blocking)})
}
