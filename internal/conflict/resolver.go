// Package conflict decides whether a candidate lease may coexist with the
// leases that are currently active. It has no side effects.
package conflict

import (
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/glob"
)

// Overlap reports whether two resources of the same kind can name the same
// thing. File patterns overlap when some path matches both; pools only when
// the names are equal. Resources of different kinds never overlap.
//
// Keys are expected to be normalized. A file pattern that fails to parse is
// compared by string equality only.
func Overlap(a, b core.Resource) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case core.KindFilePattern:
		pa, errA := glob.Parse(a.Key)
		pb, errB := glob.Parse(b.Key)
		if errA != nil || errB != nil {
			return a.Key == b.Key
		}
		return glob.Overlap(pa, pb)
	default:
		return a.Key == b.Key
	}
}

// Permitted applies the mode rule to one pair: shared never conflicts with
// shared, and exclusive conflicts with anything it overlaps.
func Permitted(candidate core.Resource, mode core.Mode, held core.Lease) bool {
	if mode == core.ModeShared && held.Mode == core.ModeShared {
		return true
	}
	return !Overlap(candidate, held.Resource)
}

// Blocking returns the active leases that forbid acquiring candidate in
// mode, in the order given. Leases for which skip returns true are ignored.
func Blocking(candidate core.Resource, mode core.Mode, active []core.Lease, skip func(core.Lease) bool) []core.Lease {
	var out []core.Lease
	var parsed *glob.Pattern
	if candidate.Kind == core.KindFilePattern {
		parsed, _ = glob.Parse(candidate.Key)
	}
	for _, l := range active {
		if l.Resource.Kind != candidate.Kind || l.Status != core.StatusActive {
			continue
		}
		if skip != nil && skip(l) {
			continue
		}
		if mode == core.ModeShared && l.Mode == core.ModeShared {
			continue
		}
		if overlapsParsed(candidate, parsed, l.Resource) {
			out = append(out, l)
		}
	}
	return out
}

func overlapsParsed(candidate core.Resource, parsed *glob.Pattern, other core.Resource) bool {
	if parsed == nil {
		return Overlap(candidate, other)
	}
	po, err := glob.Parse(other.Key)
	if err != nil {
		return candidate.Key == other.Key
	}
	return glob.Overlap(parsed, po)
}
