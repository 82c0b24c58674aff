package glob

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MaxTokens     = 50
	MaxWildcards  = 10
	MaxPatternLen = 512
)

// ErrBadPattern is wrapped by every parse and normalization failure.
var ErrBadPattern = errors.New("bad pattern")

// Pattern is a normalized path glob split into segments. A segment is
// either "**" (any number of path segments, including none) or a sequence
// of tokens matched against exactly one path segment.
type Pattern struct {
	raw      string
	segments []segment
}

type segment struct {
	recursive bool
	tokens    []token
}

func (p *Pattern) String() string { return p.raw }

// Normalize rewrites a user-supplied pattern into its canonical form:
// forward slashes only, no leading "./", no empty segments, and a trailing
// slash expanded to "/**". Absolute paths and "." or ".." segments are
// rejected.
func Normalize(pattern string) (string, error) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return "", fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}
	if len(p) > MaxPatternLen {
		return "", fmt.Errorf("%w: pattern longer than %d bytes", ErrBadPattern, MaxPatternLen)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrBadPattern, pattern)
	}
	for strings.HasPrefix(p, "./") {
		p = strings.TrimLeft(strings.TrimPrefix(p, "./"), "/")
	}
	if strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/") + "/**"
	}

	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", fmt.Errorf("%w: %q contains relative segment %q", ErrBadPattern, pattern, part)
		case "**":
			if len(out) > 0 && out[len(out)-1] == "**" {
				continue
			}
		default:
			if strings.Contains(part, "**") {
				return "", fmt.Errorf("%w: \"**\" must be a whole segment in %q", ErrBadPattern, pattern)
			}
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}
	return strings.Join(out, "/"), nil
}

// Parse normalizes, parses and complexity-checks a pattern.
func Parse(pattern string) (*Pattern, error) {
	norm, err := Normalize(pattern)
	if err != nil {
		return nil, err
	}
	p := &Pattern{raw: norm}
	totalTokens, totalWildcards := 0, 0
	for _, part := range strings.Split(norm, "/") {
		if part == "**" {
			p.segments = append(p.segments, segment{recursive: true})
			totalWildcards++
			continue
		}
		tokens, err := parseSegment(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pattern, err)
		}
		totalTokens += len(tokens)
		for _, t := range tokens {
			if t.kind == tokenStar || t.kind == tokenAny {
				totalWildcards++
			}
		}
		p.segments = append(p.segments, segment{tokens: tokens})
	}
	if totalTokens > MaxTokens {
		return nil, fmt.Errorf("pattern too complex: %d tokens exceeds limit of %d", totalTokens, MaxTokens)
	}
	if totalWildcards > MaxWildcards {
		return nil, fmt.Errorf("pattern too complex: %d wildcards exceeds limit of %d", totalWildcards, MaxWildcards)
	}
	return p, nil
}

// MustParse is Parse for patterns known to be valid, such as keys read back
// from storage. It panics on error.
func MustParse(pattern string) *Pattern {
	p, err := Parse(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// ValidateComplexity checks that a glob pattern doesn't exceed token/wildcard limits.
func ValidateComplexity(pattern string) error {
	_, err := Parse(pattern)
	return err
}

type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenAny
	tokenStar
	tokenClass
)

type token struct {
	kind   tokenKind
	lit    rune
	ranges []runeRange
}

func parseSegment(seg string) ([]token, error) {
	runes := []rune(seg)
	tokens := make([]token, 0, len(runes))

	for i := 0; i < len(runes); {
		switch ch := runes[i]; ch {
		case '*':
			// consecutive stars inside a segment collapse
			if n := len(tokens); n == 0 || tokens[n-1].kind != tokenStar {
				tokens = append(tokens, token{kind: tokenStar})
			}
			i++
		case '?':
			tokens = append(tokens, token{kind: tokenAny, ranges: nonSeparatorRanges})
			i++
		case '[':
			tok, next, err := parseClass(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next
		case '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("%w: trailing escape", ErrBadPattern)
			}
			tokens = append(tokens, token{kind: tokenLiteral, lit: runes[i+1]})
			i += 2
		default:
			tokens = append(tokens, token{kind: tokenLiteral, lit: ch})
			i++
		}
	}
	return tokens, nil
}

func parseClass(runes []rune, start int) (token, int, error) {
	i := start + 1
	if i >= len(runes) {
		return token{}, 0, fmt.Errorf("%w: unterminated class", ErrBadPattern)
	}
	negated := runes[i] == '^' || runes[i] == '!'
	if negated {
		i++
	}

	var ranges []runeRange
	closed := false
	for first := true; i < len(runes); first = false {
		if runes[i] == ']' && !first {
			i++
			closed = true
			break
		}
		lo, next, err := readClassRune(runes, i)
		if err != nil {
			return token{}, 0, err
		}
		i = next
		hi := lo
		if i+1 < len(runes) && runes[i] == '-' && runes[i+1] != ']' {
			hi, i, err = readClassRune(runes, i+1)
			if err != nil {
				return token{}, 0, err
			}
			if hi < lo {
				return token{}, 0, fmt.Errorf("%w: inverted range %q-%q", ErrBadPattern, lo, hi)
			}
		}
		ranges = append(ranges, runeRange{lo: lo, hi: hi})
	}
	if !closed {
		return token{}, 0, fmt.Errorf("%w: unterminated class", ErrBadPattern)
	}

	if negated {
		ranges = subtractRanges(nonSeparatorRanges, ranges)
	} else {
		ranges = intersectRanges(ranges, nonSeparatorRanges)
	}
	return token{kind: tokenClass, ranges: ranges}, i, nil
}

func readClassRune(runes []rune, idx int) (rune, int, error) {
	if idx >= len(runes) {
		return 0, 0, fmt.Errorf("%w: unterminated class", ErrBadPattern)
	}
	if runes[idx] != '\\' {
		return runes[idx], idx + 1, nil
	}
	if idx+1 >= len(runes) {
		return 0, 0, fmt.Errorf("%w: trailing escape", ErrBadPattern)
	}
	return runes[idx+1], idx + 2, nil
}
