package speaker

import (
	"math/rand"
	"regexp"
)

// punctRe matches whitespace, ASCII punctuation and the CJK punctuation and
// fullwidth ranges, so a query heard back through the microphone compares
// equal to the text that was spoken.
var punctRe = regexp.MustCompile(`[\s\x{3000}-\x{303f}\x{ff00}-\x{ffef}\x{2010}-\x{201f}\x{0020}-\x{002f}\x{003a}-\x{0040}\x{005b}-\x{0060}\x{007b}-\x{007e}]`)

// normalize strips punctuation and spaces for echo comparison.
func normalize(s string) string {
	return punctRe.ReplaceAllString(s, "")
}

// pickOne returns a random element, or "" for an empty slice.
func pickOne(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[rand.Intn(len(options))]
}
