// Package names generates handles for agents that register without one.
package names

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

var (
	moods = []string{
		"quiet", "steady", "patient", "lapsed", "tactical", "serious",
		"reasonable", "relative", "sleeper", "uninvited", "youthful", "honest",
		"frank", "irregular", "limiting", "learned", "legitimate", "outside",
	}

	nouns = []string{
		"gravitas", "ambition", "attitude", "regret", "doubt", "patience",
		"subtlety", "restraint", "irony", "context", "margin", "signal",
		"noise", "intention", "consequence", "certainty", "protocol", "grace",
		"caution", "calm", "salvage", "excuse", "exchange", "service",
	}

	tails = []string{
		"shortfall", "surplus", "gradient", "threshold", "horizon", "tangent",
		"vector", "constant", "resonance", "amplitude", "", "", "",
	}
)

// Generate returns a lowercase hyphenated handle such as
// "quiet-gravitas-horizon-3f9a". The hex suffix keeps two generated
// handles in one project from colliding in practice.
func Generate() string {
	parts := []string{pick(moods), pick(nouns)}
	if t := pick(tails); t != "" {
		parts = append(parts, t)
	}
	parts = append(parts, fmt.Sprintf("%04x", rand.IntN(1<<16)))
	return strings.Join(parts, "-")
}

func pick(words []string) string {
	return words[rand.IntN(len(words))]
}
