// Package relation models directed sympathy scores between agents and
// the mood buckets derived from them.
package relation

// DefaultScore is the lazily-created score for a fresh agent pair.
const DefaultScore = 0.5

// MaxSuggestedDelta bounds deltas suggested by the generative step.
const MaxSuggestedDelta = 0.2

// Apply adds a delta to a score and clamps the result to [0,1].
func Apply(score, delta float64) float64 {
	return Clamp(score + delta)
}

// Clamp forces a score into [0,1].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ClampDelta bounds a suggested delta to [-MaxSuggestedDelta, MaxSuggestedDelta].
func ClampDelta(delta float64) float64 {
	if delta < -MaxSuggestedDelta {
		return -MaxSuggestedDelta
	}
	if delta > MaxSuggestedDelta {
		return MaxSuggestedDelta
	}
	return delta
}
