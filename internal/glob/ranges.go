package glob

import "slices"

// runeRange is an inclusive interval of code points.
type runeRange struct {
	lo rune
	hi rune
}

const maxRune = rune(0x10FFFF)

var nonSeparatorRanges = []runeRange{
	{lo: 0, hi: '/' - 1},
	{lo: '/' + 1, hi: maxRune},
}

func rangesOverlap(a, b []runeRange) bool {
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i].hi < b[j].lo:
			i++
		case b[j].hi < a[i].lo:
			j++
		default:
			return true
		}
	}
	return false
}

func intersectRanges(a, b []runeRange) []runeRange {
	a, b = mergeRanges(a), mergeRanges(b)
	var out []runeRange
	for i, j := 0, 0; i < len(a) && j < len(b); {
		lo, hi := max(a[i].lo, b[j].lo), min(a[i].hi, b[j].hi)
		if lo <= hi {
			out = append(out, runeRange{lo: lo, hi: hi})
		}
		if a[i].hi < b[j].hi {
			i++
		} else {
			j++
		}
	}
	return out
}

func subtractRanges(base, cut []runeRange) []runeRange {
	base, cut = mergeRanges(base), mergeRanges(cut)
	var out []runeRange
	for _, r := range base {
		lo := r.lo
		for _, c := range cut {
			if c.hi < lo || c.lo > r.hi {
				continue
			}
			if c.lo > lo {
				out = append(out, runeRange{lo: lo, hi: c.lo - 1})
			}
			lo = c.hi + 1
			if lo > r.hi {
				break
			}
		}
		if lo <= r.hi {
			out = append(out, runeRange{lo: lo, hi: r.hi})
		}
	}
	return out
}

// mergeRanges sorts ranges and joins the ones that touch or overlap.
func mergeRanges(ranges []runeRange) []runeRange {
	if len(ranges) <= 1 {
		return ranges
	}
	cp := slices.Clone(ranges)
	slices.SortFunc(cp, func(x, y runeRange) int {
		if x.lo != y.lo {
			return int(x.lo - y.lo)
		}
		return int(x.hi - y.hi)
	})
	out := cp[:1]
	for _, r := range cp[1:] {
		last := &out[len(out)-1]
		if r.lo <= last.hi+1 {
			last.hi = max(last.hi, r.hi)
			continue
		}
		out = append(out, r)
	}
	return out
}
