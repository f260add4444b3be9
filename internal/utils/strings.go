package utils

import (
	"strings"
	"unicode/utf8"
)

// Truncate trims s and cuts it to at most n bytes without splitting a
// multi-byte rune. n <= 0 returns the trimmed string unchanged.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
