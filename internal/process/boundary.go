package process

import "unicode/utf8"

// completePrefix returns the length of the longest prefix of p that does not end
// inside a multi-byte UTF-8 sequence. Trailing bytes are carried into the next read
// so that text frames never contain a split rune.
func completePrefix(p []byte) int {
	n := len(p)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return n
		}
		return i
	}
	return n
}
