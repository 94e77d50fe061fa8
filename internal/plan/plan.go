// Package plan canonicalizes free-text agent plan strings.
package plan

import (
	"regexp"
	"strings"
)

// MaxLen is the hard cap on a stored plan string.
const MaxLen = 220

var (
	firstItemRe = regexp.MustCompile(`(?:^|\s)1\.\s*`)
	nextItemRe  = regexp.MustCompile(`\s+\d\.\s+`)
)

// Normalize collapses all whitespace runs into single spaces and trims.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Compact normalizes raw generated plan text, falling back when empty.
// Enumerated-list artifacts ("1. do X 2. do Y") are collapsed to the
// first actionable item, and the result is truncated to MaxLen.
func Compact(raw, fallback string) string {
	text := Normalize(raw)
	if text == "" {
		text = Normalize(fallback)
	}

	if loc := firstItemRe.FindStringIndex(text); loc != nil {
		rest := text[loc[1]:]
		if next := nextItemRe.FindStringIndex(rest); next != nil {
			rest = rest[:next[0]]
		}
		if item := Normalize(rest); item != "" {
			text = item
		}
	}

	if runes := []rune(text); len(runes) > MaxLen {
		text = strings.TrimRight(string(runes[:MaxLen-1]), " ") + "…"
	}
	return text
}
