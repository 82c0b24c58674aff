package httpapi

import (
	"net/http"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/lease"
)

type acquireRequest struct {
	Project    string `json:"project"`
	Agent      string `json:"agent"`
	Kind       string `json:"kind"`
	Key        string `json:"key"`
	Mode       string `json:"mode"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Reason     string `json:"reason"`
}

type renewRequest struct {
	Agent         string `json:"agent"`
	ExtendSeconds *int64 `json:"extend_seconds,omitempty"`
}

type releaseRequest struct {
	Agent string `json:"agent"`
}

type forceReleaseRequest struct {
	Agent         string `json:"agent"`
	Justification string `json:"justification"`
}

type leasesResponse struct {
	Leases []Lease `json:"leases"`
}

type historyResponse struct {
	Events []historyEvent `json:"events"`
}

func (s *Service) handleLeases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listLeases(w, r)
	case http.MethodPost:
		s.acquireLease(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleLeaseByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(r.URL.Path, "/api/leases/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getLease(w, r, id)
	case action == "history" && r.Method == http.MethodGet:
		s.leaseHistory(w, r, id)
	case action == "renew" && r.Method == http.MethodPost:
		s.renewLease(w, r, id)
	case action == "release" && r.Method == http.MethodPost:
		s.releaseLease(w, r, id)
	case action == "force-release" && r.Method == http.MethodPost:
		s.forceReleaseLease(w, r, id)
	case action == "" || action == "history" || action == "renew" || action == "release" || action == "force-release":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) acquireLease(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
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
	kind := core.ResourceKind(req.Kind)
	if kind == "" {
		kind = core.KindFilePattern
	}
	mode := core.Mode(req.Mode)
	if mode == "" {
		mode = core.ModeExclusive
	}
	ttl, err := s.ttl(req.TTLSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.leases.Acquire(r.Context(), lease.AcquireRequest{
		Project:  project,
		Resource: core.Resource{Kind: kind, Key: req.Key},
		Mode:     mode,
		Holder:   holder,
		TTL:      ttl,
		Reason:   req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ToLease(l))
}

func (s *Service) listLeases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project, err := projectFor(r, q.Get("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := lease.ListFilter{
		Project:   project,
		Kind:      core.ResourceKind(q.Get("kind")),
		KeyPrefix: q.Get("prefix"),
	}
	if name := q.Get("agent"); name != "" {
		if f.Holder, err = s.agentFor(r.Context(), project, name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	out := make([]Lease, 0)
	for l, err := range s.leases.ListActive(r.Context(), f) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, ToLease(l))
	}
	writeJSON(w, http.StatusOK, leasesResponse{Leases: out})
}

func (s *Service) getLease(w http.ResponseWriter, r *http.Request, id string) {
	l, err := s.scopedLease(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToLease(l))
}

func (s *Service) leaseHistory(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.scopedLease(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.leases.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]historyEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, historyEvent{Seq: ev.Seq, Type: string(ev.Type), Actor: int64(ev.Actor), Detail: ev.Detail, At: ev.At})
	}
	writeJSON(w, http.StatusOK, historyResponse{Events: out})
}

func (s *Service) renewLease(w http.ResponseWriter, r *http.Request, id string) {
	var req renewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.scopedLease(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	holder, err := s.agentFor(r.Context(), l.Project, req.Agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	extend, err := s.extension(req.ExtendSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	renewed, err := s.leases.Renew(r.Context(), id, holder, extend)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToLease(renewed))
}

func (s *Service) releaseLease(w http.ResponseWriter, r *http.Request, id string) {
	var req releaseRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.scopedLease(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	holder, err := s.agentFor(r.Context(), l.Project, req.Agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	released, err := s.leases.Release(r.Context(), id, holder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToLease(released))
}

func (s *Service) forceReleaseLease(w http.ResponseWriter, r *http.Request, id string) {
	var req forceReleaseRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.scopedLease(r, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor, err := s.agentFor(r.Context(), l.Project, req.Agent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	released, err := s.leases.ForceRelease(r.Context(), id, actor, req.Justification)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ToLease(released))
}
