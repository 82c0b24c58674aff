package httpapi

import (
	"net/http"
)

type definePoolRequest struct {
	Project  string `json:"project"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

type acquireSlotRequest struct {
	Project    string `json:"project"`
	Agent      string `json:"agent"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Reason     string `json:"reason"`
}

type poolsResponse struct {
	Pools []apiPool `json:"pools"`
}

func (s *Service) handlePools(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		project, err := projectFor(r, r.URL.Query().Get("project"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		pools, err := s.leases.ListPools(r.Context(), project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out := make([]apiPool, 0, len(pools))
		for _, p := range pools {
			out = append(out, toPool(p))
		}
		writeJSON(w, http.StatusOK, poolsResponse{Pools: out})
	case http.MethodPost:
		var req definePoolRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		project, err := projectFor(r, req.Project)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		pool, err := s.leases.DefinePool(r.Context(), project, req.Name, req.Capacity)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPool(pool))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handlePoolByName(w http.ResponseWriter, r *http.Request) {
	name, action := splitPath(r.URL.Path, "/api/pools/")
	switch {
	case name == "":
		w.WriteHeader(http.StatusNotFound)
	case action == "" && r.Method == http.MethodGet:
		project, err := projectFor(r, r.URL.Query().Get("project"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		pool, err := s.leases.GetPool(r.Context(), project, name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toPool(pool))
	case action == "acquire" && r.Method == http.MethodPost:
		s.acquireSlot(w, r, name)
	case action == "" || action == "acquire":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) acquireSlot(w http.ResponseWriter, r *http.Request, pool string) {
	var req acquireSlotRequest
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
	l, err := s.leases.AcquireSlot(r.Context(), project, pool, holder, ttl, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ToLease(l))
}
