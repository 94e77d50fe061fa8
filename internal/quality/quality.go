// Package quality holds the heuristic acceptance filter and duplicate
// detection for generated chat lines.
package quality

import (
	"math/rand"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Default filler phrases that mark a generated line as template noise.
var DefaultBadPatterns = []string{
	"после того что произошло",
	"это важно",
	"давай обсудим",
	"у меня мысль по поводу",
}

// DefaultFallbacks are safe lines substituted when generation keeps
// failing the gate.
var DefaultFallbacks = []string{
	"Я за то, чтобы сейчас выбрать один конкретный следующий шаг и закрепить его.",
	"Давай не распыляться: определим приоритет на ближайший час и двинемся по нему.",
	"Предлагаю коротко синхронизироваться и договориться, кто что делает дальше.",
}

var (
	nonAlnumRe  = regexp.MustCompile(`[^a-zа-я0-9\s]`)
	deaccenting = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Normalize lower-cases, de-accents and strips punctuation from a
// candidate string, collapsing whitespace. The result is what the gate
// and the dedup checks compare.
func Normalize(text string) string {
	t := strings.ToLower(text)
	t = strings.ReplaceAll(t, "ё", "е")
	if folded, _, err := transform.String(deaccenting, t); err == nil {
		t = folded
	}
	t = nonAlnumRe.ReplaceAllString(t, " ")
	return strings.Join(strings.Fields(t), " ")
}

// Clean collapses whitespace and newlines in a raw generated line.
func Clean(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Truncate fits text into maxLen runes, appending an ellipsis when cut.
func Truncate(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return strings.TrimRight(string(r[:maxLen-1]), " ") + "…"
}

// Gate is the acceptance predicate for candidate chat lines.
type Gate struct {
	BadPatterns      []string
	Fallbacks        []string
	MinLen           int
	MaxLen           int
	MinUniqueRatio   float64
	MaxSentenceMarks int
}

// NewGate returns a gate with the stock heuristics.
func NewGate() *Gate {
	return &Gate{
		BadPatterns:      DefaultBadPatterns,
		Fallbacks:        DefaultFallbacks,
		MinLen:           12,
		MaxLen:           320,
		MinUniqueRatio:   0.35,
		MaxSentenceMarks: 4,
	}
}

// IsAcceptable reports whether a candidate line passes the quality
// heuristics. The verdict is a pure function of the input.
func (g *Gate) IsAcceptable(text string) bool {
	normalized := Normalize(text)
	if normalized == "" {
		return false
	}
	if n := len([]rune(normalized)); n < g.MinLen || n > g.MaxLen {
		return false
	}

	for _, p := range g.BadPatterns {
		if strings.Contains(normalized, Normalize(p)) {
			return false
		}
	}

	tokens := strings.Fields(normalized)
	unique := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		unique[tok] = struct{}{}
	}
	if float64(len(unique))/float64(max(1, len(tokens))) < g.MinUniqueRatio {
		return false
	}

	marks := strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?")
	return marks <= g.MaxSentenceMarks
}

// Fallback picks one of the safe fallback lines.
func (g *Gate) Fallback(rng *rand.Rand) string {
	return g.Fallbacks[rng.Intn(len(g.Fallbacks))]
}
