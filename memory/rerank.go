package memory

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/becomeliminal/nim-memory/core"
)

// Hit is a long-term recall that survived filtering.
type Hit struct {
	Record     core.MemoryRecord `json:"record"`
	SourceType core.SourceType   `json:"source_type"`
	Similarity float64           `json:"similarity"`
	Score      float64           `json:"score"`

	// Content is the text injected into the prompt. For document hits it
	// includes the surrounding chunks.
	Content string `json:"content"`
}

// queryTerms returns the distinct lowercase words of q longer than two runes.
func queryTerms(q string) []string {
	var terms []string
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(q) {
		w = strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}))
		if utf8.RuneCountInString(w) <= 2 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
	}
	return terms
}

// rerank orders hits by the blended score, highest first. Ties keep the
// higher similarity first.
func (w RerankWeights) rerank(hits []Hit, query string) {
	terms := queryTerms(query)
	phrase := strings.ToLower(strings.TrimSpace(query))

	for i := range hits {
		low := strings.ToLower(hits[i].Record.Content)
		var matched int
		for _, t := range terms {
			if strings.Contains(low, t) {
				matched++
			}
		}
		score := w.Similarity*hits[i].Similarity*100 + w.Keyword*float64(matched)
		if phrase != "" && strings.Contains(low, phrase) {
			score += w.Phrase
		}
		if hits[i].SourceType == core.SourceDocument {
			score += w.Document
		}
		hits[i].Score = score
	}

	slices.SortStableFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.Similarity, a.Similarity)
	})
}

// normalizeText lowercases s, drops punctuation and collapses whitespace.
func normalizeText(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// isEcho reports whether candidate merely restates query: equal after
// normalization, or within the edit-distance ratio threshold.
func isEcho(query, candidate string, threshold float64) bool {
	q, c := normalizeText(query), normalizeText(candidate)
	if q == "" || c == "" {
		return false
	}
	if q == c {
		return true
	}
	qr, cr := []rune(q), []rune(c)
	longest := max(len(qr), len(cr))
	// The length difference alone bounds the best achievable ratio.
	if 1-float64(abs(len(qr)-len(cr)))/float64(longest) < threshold {
		return false
	}
	return 1-float64(levenshtein(qr, cr))/float64(longest) >= threshold
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
