package scoring

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/contribrank/pkg/types"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
)

// HealthWeights are the point values of each health component.
type HealthWeights struct {
	RecencyWeek  float64 `koanf:"recency_week"`  // activity within a week (default 30)
	RecencyMonth float64 `koanf:"recency_month"` // within a month (default 20)
	RecencyQtr   float64 `koanf:"recency_qtr"`   // within three months (default 10)

	ResponseDay   float64 `koanf:"response_day"`   // median response within a day (default 25)
	ResponseWeek  float64 `koanf:"response_week"`  // within a week (default 15)
	ResponseMonth float64 `koanf:"response_month"` // within a month (default 10)

	PRMergeRate      float64 `koanf:"pr_merge_rate"`      // multiplier on the merge rate (default 20)
	IssueCloseRate   float64 `koanf:"issue_close_rate"`   // multiplier on the close rate (default 15)
	ContributingDocs float64 `koanf:"contributing_guide"` // bonus for a contributing guide (default 10)
}

// DefaultHealthWeights returns the default health point values.
func DefaultHealthWeights() HealthWeights {
	return HealthWeights{
		RecencyWeek:      30,
		RecencyMonth:     20,
		RecencyQtr:       10,
		ResponseDay:      25,
		ResponseWeek:     15,
		ResponseMonth:    10,
		PRMergeRate:      20,
		IssueCloseRate:   15,
		ContributingDocs: 10,
	}
}

// Validate checks that all point values are non-negative.
func (w HealthWeights) Validate() error {
	var errs []error
	for _, v := range []struct {
		name string
		v    float64
	}{
		{"recency_week", w.RecencyWeek}, {"recency_month", w.RecencyMonth}, {"recency_qtr", w.RecencyQtr},
		{"response_day", w.ResponseDay}, {"response_week", w.ResponseWeek}, {"response_month", w.ResponseMonth},
		{"pr_merge_rate", w.PRMergeRate}, {"issue_close_rate", w.IssueCloseRate}, {"contributing_guide", w.ContributingDocs},
	} {
		if v.v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %v", v.name, v.v))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: health weights: %w", types.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// HealthSignals are the repository attributes the health score depends on.
// Nil pointers mean the signal is unknown and contributes nothing.
type HealthSignals struct {
	LastActivityAt       *time.Time
	MedianResponseTime   *time.Duration
	PRMergeRate          *float64
	IssueCloseRate       *float64
	HasContributingGuide bool
}

// SignalsOf extracts the health signals of a repository.
func SignalsOf(r *types.Repository) HealthSignals {
	if r == nil {
		return HealthSignals{}
	}
	return HealthSignals{
		LastActivityAt:       r.LastActivityAt,
		MedianResponseTime:   r.MedianResponseTime,
		PRMergeRate:          r.PRMergeRate,
		IssueCloseRate:       r.IssueCloseRate,
		HasContributingGuide: r.HasContributingGuide,
	}
}

// RepositoryHealth scores a repository in [0,100] from its activity
// recency, maintainer responsiveness, merge and close rates, and whether it
// has a contributing guide. It depends only on its inputs.
func RepositoryHealth(s HealthSignals, now time.Time, w HealthWeights) float64 {
	var score float64

	if s.LastActivityAt != nil {
		switch since := now.Sub(*s.LastActivityAt); {
		case since <= week:
			score += w.RecencyWeek
		case since <= month:
			score += w.RecencyMonth
		case since <= 3*month:
			score += w.RecencyQtr
		}
	}

	if s.MedianResponseTime != nil && *s.MedianResponseTime >= 0 {
		switch rt := *s.MedianResponseTime; {
		case rt <= day:
			score += w.ResponseDay
		case rt <= week:
			score += w.ResponseWeek
		case rt <= month:
			score += w.ResponseMonth
		}
	}

	if s.PRMergeRate != nil {
		score += types.Clamp01(*s.PRMergeRate) * w.PRMergeRate
	}
	if s.IssueCloseRate != nil {
		score += types.Clamp01(*s.IssueCloseRate) * w.IssueCloseRate
	}
	if s.HasContributingGuide {
		score += w.ContributingDocs
	}

	return types.Clamp(score, 0, 100)
}
