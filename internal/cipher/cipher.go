// Package cipher implements the fixed substitution applied to message
// bodies before they are stored. It is ROT13 and provides no secrecy.
package cipher

import "strings"

// shift is half the length of the 26-letter Latin alphabet, which makes
// Rotate its own inverse.
const shift = 13

// Rotate replaces every ASCII letter with the letter 13 positions later in
// the same-case alphabet, wrapping around. Any other rune, including
// whitespace, digits, punctuation and non-ASCII text, is copied unchanged,
// so the result always has the same number of runes as the input.
//
// Rotate(Rotate(s)) == s for every string s.
func Rotate(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range s {
		b.WriteRune(rotateRune(r))
	}
	return b.String()
}

func rotateRune(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return 'a' + (r-'a'+shift)%26
	case r >= 'A' && r <= 'Z':
		return 'A' + (r-'A'+shift)%26
	default:
		return r
	}
}
