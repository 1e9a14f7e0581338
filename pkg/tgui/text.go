package tgui

import "unicode/utf8"

// Ellipsis marks a label shortened by TruncRunes.
const Ellipsis = "…"

// TruncRunes keeps the first n runes of s and appends Ellipsis when
// anything was cut. n <= 0 yields "".
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	end := 0
	for range n {
		_, size := utf8.DecodeRuneInString(s[end:])
		end += size
	}
	return s[:end] + Ellipsis
}
