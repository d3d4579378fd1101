// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package validate

import (
	"html"
	"math"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/text/unicode/norm"
)

var typographic = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"‐", "-", "‑", "-", "‒", "-", "–", "-", "—", "-", "―", "-", "−", "-",
	" ", " ", "…", "...",
)

// Normalize folds text for quote comparison: HTML entities decoded, NFKC,
// typographic quotes and dashes mapped to ASCII, lowercased, punctuation
// and symbols replaced by spaces, whitespace collapsed.
func Normalize(s string) string {
	s = html.UnescapeString(s)
	s = norm.NFKC.String(s)
	s = typographic.Replace(s)
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Matcher decides whether a quote is anchored in a source block.
type Matcher struct {
	// Floor is the minimum share of the quote's characters that must be
	// matched, in order, inside one source span.
	Floor float64

	// MinFuzzy is the normalized quote length (in runes) below which only an
	// exact substring counts.
	MinFuzzy int
}

// Contains reports whether quote matches a contiguous span of source after
// normalization. Exact containment always matches. Longer quotes may also
// match approximately: the matched characters must cover Floor of the quote
// and lie within a span no longer than len(quote)/Floor.
func (m Matcher) Contains(source, quote string) bool {
	q := Normalize(quote)
	s := Normalize(source)
	if q == "" || s == "" {
		return false
	}
	if strings.Contains(s, q) {
		return true
	}
	qr := []rune(q)
	if len(qr) < m.MinFuzzy || m.Floor <= 0 || m.Floor > 1 {
		return false
	}
	return m.Score(s, q) >= m.Floor
}

// Score returns the best fraction of q's runes matched in order within a
// single span of s no longer than len(q)/Floor. Both inputs are expected to
// be normalized already.
func (m Matcher) Score(s, q string) float64 {
	qr, sr := []rune(q), []rune(s)
	if len(qr) == 0 || len(sr) == 0 || m.Floor <= 0 {
		return 0
	}
	maxSpan := int(math.Ceil(float64(len(qr)) / m.Floor))
	need := int(math.Ceil(m.Floor * float64(len(qr))))
	step := len(qr)/4 + 1
	window := maxSpan + step

	qs := toStrings(qr)
	qCounts := counts(qr)
	best := 0
	for start := 0; start < len(sr); start += step {
		end := min(start+window, len(sr))
		if overlap(qCounts, sr[start:end]) >= need {
			matcher := difflib.NewMatcherWithJunk(qs, toStrings(sr[start:end]), false, nil)
			if got := bestRun(matcher.GetMatchingBlocks(), maxSpan); got > best {
				best = got
			}
		}
		if end == len(sr) {
			break
		}
	}
	return float64(best) / float64(len(qr))
}

// bestRun returns the largest matched size over consecutive blocks whose
// source span fits in maxSpan.
func bestRun(blocks []difflib.Match, maxSpan int) int {
	best, sum, lo := 0, 0, 0
	for hi, b := range blocks {
		if b.Size == 0 {
			continue
		}
		sum += b.Size
		for blocks[hi].B+blocks[hi].Size-blocks[lo].B > maxSpan {
			sum -= blocks[lo].Size
			lo++
		}
		if sum > best {
			best = sum
		}
	}
	return best
}

func counts(rs []rune) map[rune]int {
	c := make(map[rune]int, len(rs))
	for _, r := range rs {
		c[r]++
	}
	return c
}

// overlap is an upper bound on the characters a window can match.
func overlap(q map[rune]int, window []rune) int {
	w := counts(window)
	n := 0
	for r, c := range q {
		n += min(c, w[r])
	}
	return n
}

func toStrings(rs []rune) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}
