package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isPhraseEnd(r rune) bool {
	return r == ',' || r == ';' || isSentenceEnd(r)
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’', '»':
		return true
	}
	return false
}

func never(rune) bool { return false }

// splitUnits cuts text into consecutive substrings. A unit ends after a run
// of boundary runes (plus closing quotes or brackets) that is followed by
// whitespace, or at a blank line. Trailing whitespace stays with the unit,
// so joining the units gives back text unchanged.
func splitUnits(text string, boundary func(rune) bool) []string {
	var units []string
	start, i := 0, 0
	cut := func(end int) {
		if strings.TrimSpace(text[start:end]) == "" {
			return
		}
		units = append(units, text[start:end])
		start = end
	}
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case boundary(r):
			j := i + size
			for j < len(text) {
				r2, s2 := utf8.DecodeRuneInString(text[j:])
				if !boundary(r2) && !isCloser(r2) {
					break
				}
				j += s2
			}
			if j < len(text) {
				if r3, _ := utf8.DecodeRuneInString(text[j:]); unicode.IsSpace(r3) {
					j = skipSpace(text, j)
					cut(j)
				}
			}
			i = j
		case r == '\n':
			k := skipBlank(text, i+size)
			if k < len(text) && text[k] == '\n' {
				end := skipSpace(text, k)
				cut(end)
				i = end
				continue
			}
			i += size
		default:
			i += size
		}
	}
	if start < len(text) {
		units = append(units, text[start:])
	}
	return units
}

func skipSpace(text string, i int) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

// skipBlank skips spaces and tabs but not newlines.
func skipBlank(text string, i int) int {
	for i < len(text) && (text[i] == ' ' || text[i] == '\t' || text[i] == '\r') {
		i++
	}
	return i
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// truncateRunes keeps at most n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if runeLen(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
