package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/core"
)

// projectFor picks the project a request acts on. API-key requests are
// pinned to their key's project; localhost requests must name one.
func projectFor(r *http.Request, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey {
		if requested != "" && requested != info.Project {
			return "", fmt.Errorf("key is scoped to project %q: %w", info.Project, core.ErrUnauthorized)
		}
		return info.Project, nil
	}
	if requested == "" {
		return "", core.Invalid("project", "required")
	}
	return requested, nil
}

// agentFor resolves a registered agent name within project.
func (s *Service) agentFor(ctx context.Context, project, name string) (core.AgentID, error) {
	if strings.TrimSpace(name) == "" {
		return 0, core.Invalid("agent", "required")
	}
	return s.agents.Resolve(ctx, project, name)
}

// scopedLease loads a lease by id and hides it from API keys of other
// projects.
func (s *Service) scopedLease(r *http.Request, id string) (core.Lease, error) {
	l, err := s.leases.Get(r.Context(), id)
	if err != nil {
		return core.Lease{}, err
	}
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey && l.Project != info.Project {
		return core.Lease{}, fmt.Errorf("lease %s: %w", id, core.ErrNotFound)
	}
	return l, nil
}

// splitPath turns "/api/leases/abc/renew" with prefix "/api/leases/" into
// ("abc", "renew").
func splitPath(path, prefix string) (string, string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, action, _ := strings.Cut(rest, "/")
	return id, action
}
