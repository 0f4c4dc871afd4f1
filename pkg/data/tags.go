package data

// Feedback tags a voter may attach to a rating.
var (
	PositiveFeedbackTags = []string{"Helpful", "Clear", "Accurate", "Concise"}

	NegativeFeedbackTags = []string{
		"Distracting Background",
		"Poor Lighting",
		"Blurry Image",
		"Inappropriate Content",
		"Poor Quality",
		"Bad Composition",
		"Unflattering Angle",
		"Too Much Editing",
		"Not Clear Subject",
		"Other",
	}
)

var knownTags = func() map[string]struct{} {
	m := make(map[string]struct{}, len(PositiveFeedbackTags)+len(NegativeFeedbackTags))
	for _, t := range PositiveFeedbackTags {
		m[t] = struct{}{}
	}
	for _, t := range NegativeFeedbackTags {
		m[t] = struct{}{}
	}
	return m
}()

// IsKnownFeedbackTag reports whether tag belongs to the catalogue
func IsKnownFeedbackTag(tag string) bool {
	_, ok := knownTags[tag]
	return ok
}
