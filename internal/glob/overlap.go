package glob

// nonEmptySegment matches any single path segment ("?*").
var nonEmptySegment = []token{{kind: tokenAny, ranges: nonSeparatorRanges}, {kind: tokenStar}}

// PatternsOverlap returns true if two glob patterns can match the same path.
func PatternsOverlap(a, b string) (bool, error) {
	pa, err := Parse(a)
	if err != nil {
		return false, err
	}
	pb, err := Parse(b)
	if err != nil {
		return false, err
	}
	return Overlap(pa, pb), nil
}

// Overlap reports whether some concrete path is matched by both patterns.
//
// It walks the product of the two segment lists. A "**" segment may be
// skipped (matching nothing) or may absorb one concrete segment and stay in
// place; every other segment pair must share at least one segment string.
func Overlap(a, b *Pattern) bool {
	type state struct{ i, j int }

	seen := make(map[state]struct{})
	stack := []state{{0, 0}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}

		if s.i == len(a.segments) && s.j == len(b.segments) {
			return true
		}

		var sa, sb *segment
		if s.i < len(a.segments) {
			sa = &a.segments[s.i]
			if sa.recursive {
				stack = append(stack, state{s.i + 1, s.j})
			}
		}
		if s.j < len(b.segments) {
			sb = &b.segments[s.j]
			if sb.recursive {
				stack = append(stack, state{s.i, s.j + 1})
			}
		}
		if sa == nil || sb == nil {
			continue
		}
		if !segmentsIntersect(sa, sb) {
			continue
		}
		next := state{s.i + 1, s.j + 1}
		if sa.recursive {
			next.i = s.i
		}
		if sb.recursive {
			next.j = s.j
		}
		stack = append(stack, next)
	}
	return false
}

func segmentsIntersect(a, b *segment) bool {
	switch {
	case a.recursive && b.recursive:
		return true
	case a.recursive:
		return tokensOverlap(nonEmptySegment, b.tokens)
	case b.recursive:
		return tokensOverlap(a.tokens, nonEmptySegment)
	default:
		return tokensOverlap(a.tokens, b.tokens)
	}
}

// tokensOverlap runs the two single-segment token automata in lockstep and
// reports whether both can accept the same string.
func tokensOverlap(tokensA, tokensB []token) bool {
	type state struct{ i, j int }

	seen := make(map[state]struct{})
	queue := make([]state, 0, (len(tokensA)+1)*(len(tokensB)+1))

	// closure follows the epsilon edges a star provides when it matches nothing.
	closure := func(initial state) {
		stack := []state{initial}
		for len(stack) > 0 {
			curr := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, ok := seen[curr]; ok {
				continue
			}
			seen[curr] = struct{}{}
			queue = append(queue, curr)
			if curr.i < len(tokensA) && tokensA[curr.i].kind == tokenStar {
				stack = append(stack, state{curr.i + 1, curr.j})
			}
			if curr.j < len(tokensB) && tokensB[curr.j].kind == tokenStar {
				stack = append(stack, state{curr.i, curr.j + 1})
			}
		}
	}

	closure(state{0, 0})
	for idx := 0; idx < len(queue); idx++ {
		curr := queue[idx]
		if curr.i == len(tokensA) && curr.j == len(tokensB) {
			return true
		}
		if curr.i == len(tokensA) || curr.j == len(tokensB) {
			continue
		}
		aNext, aRanges := consume(tokensA, curr.i)
		bNext, bRanges := consume(tokensB, curr.j)
		if rangesOverlap(aRanges, bRanges) {
			closure(state{aNext, bNext})
		}
	}
	return false
}

func consume(tokens []token, idx int) (next int, ranges []runeRange) {
	switch tok := tokens[idx]; tok.kind {
	case tokenStar:
		return idx, nonSeparatorRanges
	case tokenLiteral:
		return idx + 1, []runeRange{{lo: tok.lit, hi: tok.lit}}
	default:
		return idx + 1, tok.ranges
	}
}
