package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dshills/contribrank/pkg/types"
)

// CatalogFile is the JSON document accepted by Import. Durations are
// given in hours.
type CatalogFile struct {
	Repositories  []RepositoryRecord  `json:"repositories"`
	Opportunities []OpportunityRecord `json:"opportunities"`
	Users         []UserRecord        `json:"users"`
	Interactions  []InteractionRecord `json:"interactions"`
}

// RepositoryRecord is a repository entry in a CatalogFile.
type RepositoryRecord struct {
	ID                   string     `json:"id"`
	FullName             string     `json:"full_name"`
	Description          string     `json:"description"`
	PrimaryLanguage      string     `json:"primary_language"`
	Topics               []string   `json:"topics"`
	Stars                int        `json:"stars"`
	Forks                int        `json:"forks"`
	Archived             bool       `json:"archived"`
	HasContributingGuide bool       `json:"has_contributing_guide"`
	HasGoodFirstIssues   bool       `json:"has_good_first_issues"`
	HasCodeOfConduct     bool       `json:"has_code_of_conduct"`
	LastActivityAt       *time.Time `json:"last_activity_at"`
	MedianResponseHours  *float64   `json:"median_response_hours"`
	PRMergeRate          *float64   `json:"pr_merge_rate"`
	IssueCloseRate       *float64   `json:"issue_close_rate"`
}

// OpportunityRecord is an opportunity entry in a CatalogFile.
type OpportunityRecord struct {
	ID             string                `json:"id"`
	RepositoryID   string                `json:"repository_id"`
	Title          string                `json:"title"`
	Description    string                `json:"description"`
	Type           types.OpportunityType `json:"type"`
	Difficulty     types.Difficulty      `json:"difficulty"`
	Status         types.Status          `json:"status"`
	RequiredSkills []string              `json:"required_skills"`
	EstimatedHours *float64              `json:"estimated_hours"`
	Priority       float64               `json:"priority"`
	Views          int                   `json:"views"`
	Applications   int                   `json:"applications"`
	CreatedAt      time.Time             `json:"created_at"`
	ExpiresAt      *time.Time            `json:"expires_at"`
}

// UserRecord is a user entry, with optional preferences, in a CatalogFile.
type UserRecord struct {
	ID                 string            `json:"id"`
	Username           string            `json:"username"`
	Bio                string            `json:"bio"`
	SkillLevel         types.Difficulty  `json:"skill_level"`
	PreferredLanguages []string          `json:"preferred_languages"`
	AvailabilityHours  float64           `json:"availability_hours"`
	Preferences        *PreferenceRecord `json:"preferences"`
}

// PreferenceRecord holds a user's matching preferences.
type PreferenceRecord struct {
	PreferredContributionTypes []types.OpportunityType `json:"preferred_contribution_types"`
	MaxEstimatedHours          *float64                `json:"max_estimated_hours"`
	MinRepoStars               int                     `json:"min_repo_stars"`
	ExplorationWeight          float64                 `json:"exploration_weight"`
}

// InteractionRecord is a user/repository interaction in a CatalogFile.
type InteractionRecord struct {
	UserID            string `json:"user_id"`
	RepositoryID      string `json:"repository_id"`
	Contributed       bool   `json:"contributed"`
	Starred           bool   `json:"starred"`
	Visited           bool   `json:"visited"`
	ContributionCount int    `json:"contribution_count"`
	VisitCount        int    `json:"visit_count"`
}

// ImportStats summarizes an Import.
type ImportStats struct {
	Repositories  int
	Opportunities int
	Users         int
	Interactions  int
	// Degraded counts entities stored without one or more embeddings.
	Degraded int
}

// DecodeCatalogFile reads a CatalogFile, rejecting unknown fields.
func DecodeCatalogFile(r io.Reader) (*CatalogFile, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var f CatalogFile
	if err := dec.Decode(&f); err != nil {
		return nil, types.Validationf("invalid catalog file: %v", err)
	}
	return &f, nil
}

// Import ingests every entity of f: repositories first, then
// opportunities as one batch, then users and interactions.
func (p *Pipeline) Import(ctx context.Context, f *CatalogFile) (ImportStats, error) {
	var stats ImportStats
	for _, rec := range f.Repositories {
		res, err := p.IngestRepository(ctx, rec.repository())
		if err != nil {
			return stats, fmt.Errorf("repository %q: %w", rec.ID, err)
		}
		stats.Repositories++
		stats.degraded(res)
	}

	if len(f.Opportunities) > 0 {
		opps := make([]*types.Opportunity, len(f.Opportunities))
		for i, rec := range f.Opportunities {
			opps[i] = rec.opportunity()
		}
		results, err := p.IngestOpportunities(ctx, opps)
		if err != nil {
			return stats, fmt.Errorf("opportunities: %w", err)
		}
		stats.Opportunities = len(results)
		for _, res := range results {
			stats.degraded(res)
		}
	}

	for _, rec := range f.Users {
		res, err := p.RegisterUser(ctx, rec.user(), rec.Preferences.preference())
		if err != nil {
			return stats, fmt.Errorf("user %q: %w", rec.ID, err)
		}
		stats.Users++
		stats.degraded(res)
	}

	for _, rec := range f.Interactions {
		if err := p.RecordInteraction(ctx, rec.interaction()); err != nil {
			return stats, fmt.Errorf("interaction %s/%s: %w", rec.UserID, rec.RepositoryID, err)
		}
		stats.Interactions++
	}
	return stats, nil
}

func (s *ImportStats) degraded(res Result) {
	if res.Degraded {
		s.Degraded++
	}
}

func (r RepositoryRecord) repository() *types.Repository {
	repo := &types.Repository{
		ID:                   r.ID,
		FullName:             r.FullName,
		Description:          r.Description,
		PrimaryLanguage:      r.PrimaryLanguage,
		Topics:               types.NewSet(r.Topics...),
		Stars:                r.Stars,
		Forks:                r.Forks,
		Archived:             r.Archived,
		HasContributingGuide: r.HasContributingGuide,
		HasGoodFirstIssues:   r.HasGoodFirstIssues,
		HasCodeOfConduct:     r.HasCodeOfConduct,
		LastActivityAt:       r.LastActivityAt,
		PRMergeRate:          r.PRMergeRate,
		IssueCloseRate:       r.IssueCloseRate,
	}
	if r.MedianResponseHours != nil {
		d := time.Duration(*r.MedianResponseHours * float64(time.Hour))
		repo.MedianResponseTime = &d
	}
	return repo
}

func (r OpportunityRecord) opportunity() *types.Opportunity {
	return &types.Opportunity{
		ID:             r.ID,
		RepositoryID:   r.RepositoryID,
		Title:          r.Title,
		Description:    r.Description,
		Type:           r.Type,
		Difficulty:     r.Difficulty,
		Status:         r.Status,
		RequiredSkills: types.NewSet(r.RequiredSkills...),
		EstimatedHours: r.EstimatedHours,
		Priority:       r.Priority,
		Views:          r.Views,
		Applications:   r.Applications,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func (r UserRecord) user() *types.User {
	return &types.User{
		ID:                 r.ID,
		Username:           r.Username,
		Bio:                r.Bio,
		SkillLevel:         r.SkillLevel,
		PreferredLanguages: types.NewSet(r.PreferredLanguages...),
		AvailabilityHours:  r.AvailabilityHours,
	}
}

func (r *PreferenceRecord) preference() *types.UserPreference {
	if r == nil {
		return nil
	}
	return &types.UserPreference{
		PreferredContributionTypes: r.PreferredContributionTypes,
		MaxEstimatedHours:          r.MaxEstimatedHours,
		MinRepoStars:               r.MinRepoStars,
		ExplorationWeight:          r.ExplorationWeight,
	}
}

func (r InteractionRecord) interaction() *types.UserRepositoryInteraction {
	return &types.UserRepositoryInteraction{
		UserID:            r.UserID,
		RepositoryID:      r.RepositoryID,
		Contributed:       r.Contributed,
		Starred:           r.Starred,
		Visited:           r.Visited,
		ContributionCount: r.ContributionCount,
		VisitCount:        r.VisitCount,
	}
}
