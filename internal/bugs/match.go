package bugs

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// StillPresentThreshold is the minimum description overlap at which a
// re-verification candidate is treated as the same defect.
const StillPresentThreshold = 0.5

// SameDefect is the discovery-phase identity: component, category and
// capture identifier all equal.
func SameDefect(a, b Key) bool {
	return a == b
}

// Tokens lowercases text, splits it on whitespace, trims surrounding
// punctuation and keeps the distinct words longer than three characters.
func Tokens(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(text)) {
		w := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if utf8.RuneCountInString(w) <= 3 {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// Similarity returns the overlap of two descriptions divided by the size of
// the smaller token set. It is 0 when either description has no tokens.
func Similarity(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	small, large := ta, tb
	if len(tb) < len(ta) {
		small, large = tb, ta
	}
	overlap := 0
	for w := range small {
		if _, ok := large[w]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(small))
}

// StillPresent is the re-verification identity: it returns the first
// candidate with the bug's component and category whose description
// overlaps the bug's by at least StillPresentThreshold.
func StillPresent(b *Bug, candidates []Candidate) (Candidate, float64, bool) {
	for _, c := range candidates {
		if c.Component != b.Component || c.Category != b.Category {
			continue
		}
		if s := Similarity(b.Description, c.Description); s >= StillPresentThreshold {
			return c, s, true
		}
	}
	return Candidate{}, 0, false
}
