// Package textnorm cleans raw interaction text and splits it into tokens
// shared by the emotion scorer and the persona extractor.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Normalize applies NFKC compatibility composition, drops control and
// format characters, and collapses runs of whitespace into one space.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// Fold returns the comparison key for a name or lexicon entry: normalized,
// width-folded and case-folded. Two strings with the same key are
// considered the same surface form.
func Fold(s string) string {
	s = width.Fold.String(Normalize(s))
	return cases.Fold().String(s)
}

// RuneLen reports the number of runes in s.
func RuneLen(s string) int {
	return len([]rune(s))
}
