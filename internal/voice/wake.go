package voice

import (
	"strings"
	"unicode"
)

// WakeWordMatch reports whether text contains any of the phrases as a
// case-insensitive substring. Punctuation and runs of whitespace are
// ignored on both sides, so "Hey, HETU!" matches "hetu" and "hey hetu".
func WakeWordMatch(text string, phrases []string) bool {
	norm := normalize(text)
	if norm == "" {
		return false
	}
	for _, p := range phrases {
		if p = normalize(p); p != "" && strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
