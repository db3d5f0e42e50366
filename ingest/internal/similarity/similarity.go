// Package similarity measures verbatim reuse between a source text and a
// derived text: the longest shared run of tokens and n-gram Jaccard.
package similarity

import (
	"strings"
	"unicode"
)

// DefaultMinTokenLength drops single-character tokens.
const DefaultMinTokenLength = 2

// Tokenize lowercases text, replaces punctuation with spaces, splits on
// whitespace and drops tokens shorter than minLen runes.
func Tokenize(text string, minLen int) []string {
	if minLen < 1 {
		minLen = 1
	}
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	fields := strings.Fields(clean)
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= minLen {
			out = append(out, f)
		}
	}
	return out
}

// MaxContiguousOverlap returns the length of the longest run of tokens that
// appears, in order and unbroken, in both a and b. Identical sequences yield
// their length; disjoint ones yield 0.
func MaxContiguousOverlap(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) > len(a) {
		a, b = b, a
	}
	// Two rolling rows of the longest-common-suffix table.
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return best
}

// Shingles returns the set of n-token shingles of tokens.
func Shingles(tokens []string, n int) map[string]struct{} {
	set := make(map[string]struct{})
	if n <= 0 || len(tokens) < n {
		return set
	}
	for i := 0; i+n <= len(tokens); i++ {
		set[strings.Join(tokens[i:i+n], "\x1f")] = struct{}{}
	}
	return set
}

// NgramJaccard returns |A∩B| / |A∪B| over the n-token shingles of a and b.
// Either side shorter than n tokens yields 0.
func NgramJaccard(a, b []string, n int) float64 {
	if len(a) < n || len(b) < n {
		return 0
	}
	sa, sb := Shingles(a, n), Shingles(b, n)
	return jaccard(sa, sb)
}

// Containment returns |A∩B| / |A| over shingles: the share of a's n-grams
// found in b. Used to judge a short field against a long source.
func Containment(a, b []string, n int) float64 {
	if len(a) < n || len(b) < n {
		return 0
	}
	sa, sb := Shingles(a, n), Shingles(b, n)
	if len(sa) == 0 {
		return 0
	}
	inter := 0
	for k := range sa {
		if _, ok := sb[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(sa))
}

func jaccard(sa, sb map[string]struct{}) float64 {
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for k := range sa {
		if _, ok := sb[k]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}
