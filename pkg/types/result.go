package types

// ScoredResult is a ranked item with the signals that produced its score.
// It is derived per request and never persisted.
type ScoredResult struct {
	ItemID string `json:"item_id"`

	// RelevanceScore is the hybrid lexical/semantic score in [0,1]; zero for
	// personalized matches.
	RelevanceScore float64 `json:"relevance_score"`
	// MatchScore is the personalized score in [0,1]; zero for plain search.
	MatchScore float64 `json:"match_score"`

	// Reasons lists the contributing terms in evaluation order.
	Reasons []string `json:"reasons"`
}

// Validate checks score bounds
func (r *ScoredResult) Validate() error {
	if r.ItemID == "" {
		return Validationf("scored result has empty item id")
	}
	if r.RelevanceScore < 0 || r.RelevanceScore > 1 {
		return Validationf("relevance score %v out of [0,1]", r.RelevanceScore)
	}
	if r.MatchScore < 0 || r.MatchScore > 1 {
		return Validationf("match score %v out of [0,1]", r.MatchScore)
	}
	return nil
}

// Clamp01 limits v to [0,1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Clamp limits v to [lo,hi].
func Clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}
