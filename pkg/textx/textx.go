// Package textx holds text normalisation helpers shared by the transports.
package textx

import "strings"

// SanitizeText strips non-printable runes from user-supplied text and trims
// surrounding whitespace. Tab, newline and carriage return survive so
// multi-line messages keep their shape; every other control rune (including
// DEL) is dropped.
func SanitizeText(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return r
		case r < 32 || r == 127:
			return -1
		default:
			return r
		}
	}, s)
	return strings.TrimSpace(cleaned)
}
