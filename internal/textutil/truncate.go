package textutil

import "unicode/utf8"

// Truncate returns s cut to at most max characters. A non-positive max
// returns s unchanged.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// Length reports the number of characters in s.
func Length(s string) int {
	return utf8.RuneCountInString(s)
}
