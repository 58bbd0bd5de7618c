// Package textx holds text cleanup helpers shared by the ingestion
// path. Chunk content arrives from arbitrary extractors and may carry
// control bytes that embedding backends reject.
package textx

import "strings"

// SanitizeText strips control characters from chunk content, keeping
// tab, newline, and carriage return, and trims surrounding whitespace.
// DEL is treated as a control character.
func SanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(r)
		case r >= 32 && r != 127:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
