package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/dshills/contribrank/pkg/types"
)

// TrendingDecayExponent makes a day-old item with high engagement outrank
// a week-old item with similar totals.
const TrendingDecayExponent = 1.5

// TrendingResult is an opportunity with its trending signals
type TrendingResult struct {
	Opportunity *types.Opportunity `json:"opportunity"`
	Engagement  int                `json:"engagement"`
	Score       float64            `json:"score"`
}

// TrendingScore returns engagement / (ageHours + 2)^1.5. Negative ages
// (clock skew) count as zero.
func TrendingScore(engagement int, age time.Duration) float64 {
	hours := math.Max(age.Hours(), 0)
	return float64(engagement) / math.Pow(hours+2, TrendingDecayExponent)
}

// Trending ranks opportunities created within window before now whose
// engagement (views + 3*applications) is at least minEngagement. Items older
// than now-window are excluded however engaged they are. Results are ordered
// by score desc, engagement desc, then id asc.
func Trending(opportunities []*types.Opportunity, window time.Duration, minEngagement int, now time.Time) ([]TrendingResult, error) {
	if window <= 0 {
		return nil, types.Validationf("trending window must be > 0, got %s", window)
	}
	if minEngagement < 0 {
		return nil, types.Validationf("min engagement must be >= 0, got %d", minEngagement)
	}

	cutoff := now.Add(-window)
	results := make([]TrendingResult, 0, len(opportunities))
	for _, opp := range opportunities {
		if opp == nil || opp.CreatedAt.Before(cutoff) {
			continue
		}
		engagement := opp.Engagement()
		if engagement < minEngagement {
			continue
		}
		results = append(results, TrendingResult{
			Opportunity: opp,
			Engagement:  engagement,
			Score:       TrendingScore(engagement, now.Sub(opp.CreatedAt)),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Engagement != b.Engagement {
			return a.Engagement > b.Engagement
		}
		return a.Opportunity.ID < b.Opportunity.ID
	})
	return results, nil
}
