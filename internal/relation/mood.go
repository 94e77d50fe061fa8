package relation

// Mood is the discrete emotional bucket derived from a sympathy score.
type Mood struct {
	Text  string  `json:"text"`
	Emoji string  `json:"emoji"`
	Color string  `json:"color"`
	Score float64 `json:"score"`
}

var moods = []Mood{
	{Text: "Радостный", Emoji: "😄", Color: "#4CAF50", Score: 0.85},
	{Text: "Воодушевленный", Emoji: "✨", Color: "#8BC34A", Score: 0.75},
	{Text: "Спокоен", Emoji: "😐", Color: "#FFC107", Score: 0.50},
	{Text: "Тревожный", Emoji: "😟", Color: "#FF9800", Score: 0.30},
	{Text: "Раздражен", Emoji: "😠", Color: "#F44336", Score: 0.12},
}

// MoodFromScore maps a relation score onto its mood bucket. The mapping
// is a pure step function: equal scores always yield the same quadruple.
func MoodFromScore(score float64) Mood {
	switch {
	case score >= 0.75:
		return moods[0]
	case score >= 0.62:
		return moods[1]
	case score >= 0.38:
		return moods[2]
	case score >= 0.20:
		return moods[3]
	default:
		return moods[4]
	}
}

// DefaultMood is the bucket a fresh agent starts in.
func DefaultMood() Mood {
	return moods[2]
}
