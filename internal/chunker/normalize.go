package chunker

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Normalize canonicalizes line endings and applies Unicode NFC so that the
// same logical text always yields the same rune offsets.
func Normalize(text string) string {
	return norm.NFC.String(newlines.Replace(text))
}
