package quality

import "strings"

// RepetitionWindow is how many of the sender's recent messages the
// near-duplicate check looks at.
const RepetitionWindow = 4

// MinDistinctTokens is the floor below which a message is considered
// degenerate and dropped.
const MinDistinctTokens = 4

// OverlapThreshold is the token-overlap ratio at which two messages
// count as near-duplicates.
const OverlapThreshold = 0.90

// IsExactRepeat reports whether the candidate equals, after
// normalization, the sender's previous message to the same receiver.
func IsExactRepeat(candidate, previous string) bool {
	if previous == "" {
		return false
	}
	return Normalize(candidate) == Normalize(previous)
}

// IsRepetitive reports whether the candidate is degenerate or overlaps
// too heavily with any of the sender's recent messages.
func IsRepetitive(candidate string, recent []string) bool {
	newText := Normalize(candidate)
	newTokens := tokenSet(newText)
	if len(newTokens) < MinDistinctTokens {
		return true
	}

	for _, old := range recent {
		oldText := Normalize(old)
		oldTokens := tokenSet(oldText)
		if len(oldTokens) == 0 {
			continue
		}
		if newText == oldText {
			return true
		}
		if overlapRatio(newTokens, oldTokens) >= OverlapThreshold {
			return true
		}
	}
	return false
}

func tokenSet(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(normalized) {
		set[tok] = struct{}{}
	}
	return set
}

// overlapRatio is the Jaccard ratio of two token sets.
func overlapRatio(a, b map[string]struct{}) float64 {
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
