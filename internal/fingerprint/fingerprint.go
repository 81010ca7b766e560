// Package fingerprint normalizes idea text into a stable signature used for
// per-channel deduplication.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize lowercases text, strips punctuation, and collapses whitespace so
// trivially different phrasings of the same topic hash identically.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Hash returns the hex sha256 of the normalized text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Tokens returns the unique normalized tokens of text.
func Tokens(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(Normalize(text)) {
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard returns the token-set overlap of two texts in [0, 1]. Two empty
// texts count as identical.
func Jaccard(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
