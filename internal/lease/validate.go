package lease

import (
	"regexp"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/glob"
)

var poolNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

const maxReasonLen = 1024

func validateProject(project string) error {
	if project == "" {
		return core.Invalid("project", "required")
	}
	return nil
}

func validateHolder(field string, id core.AgentID) error {
	if id <= 0 {
		return core.Invalid(field, "agent id required")
	}
	return nil
}

func (s *Service) validateTTL(field string, ttl time.Duration) error {
	if ttl <= 0 {
		return core.Invalid(field, "must be positive, got %s", ttl)
	}
	if ttl > s.maxTTL {
		return core.Invalid(field, "%s exceeds maximum of %s", ttl, s.maxTTL)
	}
	return nil
}

// normalizeResource validates the key for its kind and returns the
// canonical form stored and compared.
func normalizeResource(r core.Resource) (core.Resource, error) {
	switch r.Kind {
	case core.KindFilePattern:
		p, err := glob.Parse(r.Key)
		if err != nil {
			return r, core.Invalid("pattern", "%v", err)
		}
		return core.FilePattern(p.String()), nil
	case core.KindSlotPool:
		if !poolNameRE.MatchString(r.Key) {
			return r, core.Invalid("pool", "%q must be 1-64 characters of letters, digits, '.', '_' or '-'", r.Key)
		}
		return r, nil
	default:
		return r, core.Invalid("resource_kind", "unknown kind %q", r.Kind)
	}
}

func validateReason(reason string) error {
	if len(reason) > maxReasonLen {
		return core.Invalid("reason", "longer than %d bytes", maxReasonLen)
	}
	return nil
}
