// Package canonical renders shipments into the normalized text that is embedded and boosted against.
package canonical

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s, strips accents, replaces every non-alphanumeric rune with a space
// and collapses runs of spaces. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	// transform.Chain keeps state, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

	stripped, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		stripped = strings.ToLower(s)
	}

	var b strings.Builder

	b.Grow(len(stripped))

	space := true

	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)

			space = false

			continue
		}

		if !space {
			b.WriteByte(' ')

			space = true
		}
	}

	return strings.TrimRight(b.String(), " ")
}

// Tokens returns the normalized whitespace-separated tokens of s.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}
