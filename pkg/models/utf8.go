package models

import "unicode/utf8"

// SanitizeUTF8 replaces each invalid UTF-8 byte with U+FFFD and reports whether anything
// was replaced. Valid input is returned unchanged without allocating.
func SanitizeUTF8(s string) (string, bool) {
	if utf8.ValidString(s) {
		return s, false
	}

	out := make([]byte, 0, len(s)+len(s)/8)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			out = append(out, "\uFFFD"...)
			i++
			continue
		}
		out = append(out, s[i:i+size]...)
		i += size
	}
	return string(out), true
}
