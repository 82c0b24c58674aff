package httpapi

import (
	"net/http"
)

type registerAgentRequest struct {
	Name    string `json:"name"`
	Project string `json:"project"`
}

type agentsResponse struct {
	Agents []apiAgent `json:"agents"`
}

func (s *Service) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listAgents(w, r)
	case http.MethodPost:
		s.registerAgent(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// registerAgent creates the agent if it does not exist. Capabilities come
// from the keys file or the capability backend, never from the caller.
func (s *Service) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := projectFor(r, req.Project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.agents.Ensure(r.Context(), project, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgent(agent))
}

func (s *Service) listAgents(w http.ResponseWriter, r *http.Request) {
	project, err := projectFor(r, r.URL.Query().Get("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agents, err := s.agents.List(r.Context(), project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]apiAgent, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAgent(a))
	}
	writeJSON(w, http.StatusOK, agentsResponse{Agents: out})
}
