package util

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var upper = cases.Upper(language.Und)

// Tokenize normalizes free text for keyword matching: surrounding space is trimmed,
// compatibility forms are folded (NFKC, so full-width "ＳＴＡＭＰ" matches), inner runs of
// whitespace collapse to one space, and the result is upper-cased.
func Tokenize(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return upper.String(s)
}
