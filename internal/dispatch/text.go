package dispatch

import (
	"strings"
	"unicode/utf8"
)

// CleanText makes receiver-supplied text storable in a text column: invalid
// UTF-8 becomes U+FFFD, NUL bytes are dropped and the result is cut to at
// most limit characters. A non-positive limit keeps the full length.
func CleanText(s string, limit int) string {
	s = strings.ToValidUTF8(s, "�")
	s = strings.ReplaceAll(s, "\x00", "")
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
