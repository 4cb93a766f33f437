package resolver

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/xrash/smetrics"
)

// Scorer rates how well candidate matches query, from 0 to 100.
type Scorer func(query, candidate string) int

// Scaling applied to the secondary scores of WeightedRatio.
const (
	unbaseScale   = 0.95
	partialScale  = 0.90
	longLenScale  = 0.60
	partialCutoff = 1.5
	longCutoff    = 8.0
)

// Process lowercases s, turns every non-alphanumeric rune into a space and
// trims the result.
func Process(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.TrimSpace(mapped)
}

// Ratio is the normalized edit similarity of a and b: insertions and
// deletions cost 1, substitutions 2.
func Ratio(a, b string) int {
	lensum := len(a) + len(b)
	if lensum == 0 {
		return 100
	}
	d := smetrics.WagnerFischer(a, b, 1, 1, 2)
	return int(math.Round(100 * float64(lensum-d) / float64(lensum)))
}

// PartialRatio is the best Ratio of the shorter string against every
// equally long window of the longer one.
func PartialRatio(a, b string) int {
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 100
		}
		return 0
	}

	best := 0
	for i := 0; i+len(short) <= len(long); i++ {
		r := Ratio(short, long[i:i+len(short)])
		if r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

func sortedTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// TokenSortRatio compares the strings after sorting their words.
func TokenSortRatio(a, b string) int {
	return Ratio(sortedTokens(a), sortedTokens(b))
}

func tokenSortPartialRatio(a, b string) int {
	return PartialRatio(sortedTokens(a), sortedTokens(b))
}

// TokenSetRatio compares the shared words of both strings against each
// side's shared-plus-remaining words.
func TokenSetRatio(a, b string) int {
	return tokenSet(a, b, Ratio)
}

func tokenSetPartialRatio(a, b string) int {
	return tokenSet(a, b, PartialRatio)
}

func tokenSet(a, b string, score func(string, string) int) int {
	setA := tokenSetOf(a)
	setB := tokenSetOf(b)

	var common, onlyA, onlyB []string
	for tok := range setA {
		if setB[tok] {
			common = append(common, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range setB {
		if !setA[tok] {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(common)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	t0 := strings.Join(common, " ")
	t1 := strings.TrimSpace(t0 + " " + strings.Join(onlyA, " "))
	t2 := strings.TrimSpace(t0 + " " + strings.Join(onlyB, " "))

	return max(score(t0, t1), score(t0, t2), score(t1, t2))
}

func tokenSetOf(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

// WeightedRatio is the default Scorer. It processes both strings, then
// takes the best of the plain ratio and the scaled token and partial
// ratios, choosing partial comparisons only when the lengths differ a lot.
func WeightedRatio(query, candidate string) int {
	a, b := Process(query), Process(candidate)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	base := float64(Ratio(a, b))
	lenRatio := float64(max(len(a), len(b))) / float64(min(len(a), len(b)))

	if lenRatio < partialCutoff {
		tokenSort := float64(TokenSortRatio(a, b)) * unbaseScale
		tokenSet := float64(TokenSetRatio(a, b)) * unbaseScale
		return int(math.Round(max(base, tokenSort, tokenSet)))
	}

	scale := partialScale
	if lenRatio > longCutoff {
		scale = longLenScale
	}
	partial := float64(PartialRatio(a, b)) * scale
	partialSort := float64(tokenSortPartialRatio(a, b)) * unbaseScale * scale
	partialSet := float64(tokenSetPartialRatio(a, b)) * unbaseScale * scale
	return int(math.Round(max(base, partial, partialSort, partialSet)))
}
