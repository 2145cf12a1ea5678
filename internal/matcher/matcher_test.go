package matcher

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/contribrank/pkg/types"
)

func hours(h float64) *float64 { return &h }

func newOpp(id string, mutate func(*types.Opportunity)) *types.Opportunity {
	o := &types.Opportunity{
		ID:           id,
		RepositoryID: "repo-1",
		Title:        "title " + id,
		Type:         types.TypeBugFix,
		Difficulty:   types.DifficultyBeginner,
		Status:       types.StatusOpen,
		Priority:     50,
	}
	if mutate != nil {
		mutate(o)
	}
	return o
}

func scoresByID(results []types.ScoredResult) map[string]float64 {
	m := make(map[string]float64, len(results))
	for _, r := range results {
		m[r.ItemID] = r.MatchScore
	}
	return m
}

var beginner = &types.User{
	ID:                 "u1",
	SkillLevel:         types.DifficultyBeginner,
	PreferredLanguages: types.NewSet("go", "sql"),
}

func TestMatch_SkillMismatchDownWeighted(t *testing.T) {
	candidates := []*types.Opportunity{
		newOpp("intermediate", func(o *types.Opportunity) { o.Difficulty = types.DifficultyIntermediate }),
		newOpp("expert", func(o *types.Opportunity) { o.Difficulty = types.DifficultyExpert }),
	}
	results, err := MatchOpportunities(context.Background(), beginner, nil, candidates, nil, DefaultWeights())
	require.NoError(t, err)
	require.Len(t, results, 2, "mismatched difficulty is never excluded")
	s := scoresByID(results)
	assert.Greater(t, s["intermediate"], s["expert"])
	assert.Equal(t, "intermediate", results[0].ItemID)
}

func TestMatch_TimeBudget(t *testing.T) {
	prefs := &types.UserPreference{UserID: "u1", MaxEstimatedHours: hours(3)}
	candidates := []*types.Opportunity{
		newOpp("long", func(o *types.Opportunity) { o.EstimatedHours = hours(20) }),
		newOpp("short", func(o *types.Opportunity) { o.EstimatedHours = hours(2) }),
	}
	results, err := MatchOpportunities(context.Background(), beginner, prefs, candidates, nil, DefaultWeights())
	require.NoError(t, err)
	s := scoresByID(results)
	assert.GreaterOrEqual(t, s["short"]-s["long"], 0.15)
}

func TestMatch_HardFilters(t *testing.T) {
	candidates := []*types.Opportunity{
		newOpp("mine", func(o *types.Opportunity) { o.RepositoryID = "contributed-repo" }),
		newOpp("taken", func(o *types.Opportunity) { o.Status = types.StatusInProgress }),
		newOpp("stale", func(o *types.Opportunity) { o.Status = types.StatusStale }),
		newOpp("ok", nil),
		nil,
	}
	results, err := MatchOpportunities(context.Background(), beginner, nil, candidates, []string{"contributed-repo"}, DefaultWeights())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].ItemID)
}

func TestMatch_NilUser(t *testing.T) {
	_, err := MatchOpportunities(context.Background(), nil, nil, []*types.Opportunity{newOpp("a", nil)}, nil, DefaultWeights())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMatch_EmptyCandidates(t *testing.T) {
	results, err := MatchOpportunities(context.Background(), beginner, nil, nil, nil, DefaultWeights())
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestMatch_MissingPreferencesAreNeutral(t *testing.T) {
	opp := newOpp("a", func(o *types.Opportunity) {
		o.Priority = 100
		o.EstimatedHours = hours(1)
		o.RequiredSkills = types.NewSet("go")
	})
	results, err := MatchOpportunities(context.Background(), beginner, nil, []*types.Opportunity{opp}, nil, DefaultWeights())
	require.NoError(t, err)
	require.Len(t, results, 1)
	// base 0.4 + skill 0.3 + tech 0.2; type and time contribute nothing.
	assert.InDelta(t, 0.9, results[0].MatchScore, 1e-9)
	assert.Len(t, results[0].Reasons, 3)
}

func TestMatch_TermsAndClamping(t *testing.T) {
	prefs := &types.UserPreference{
		PreferredContributionTypes: []types.OpportunityType{types.TypeBugFix},
		MaxEstimatedHours:          hours(4),
	}
	opp := newOpp("all", func(o *types.Opportunity) {
		o.Priority = 100
		o.EstimatedHours = hours(2)
		o.RequiredSkills = types.NewSet("go", "sql")
	})
	results, err := MatchOpportunities(context.Background(), beginner, prefs, []*types.Opportunity{opp}, nil, DefaultWeights())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].MatchScore, "sum of 1.3 clamps to 1")
	assert.Len(t, results[0].Reasons, 5)
	assert.Contains(t, results[0].Reasons, "preferred contribution type bug_fix")
	assert.Contains(t, results[0].Reasons, "uses go, sql")
}

func TestMatch_ReasonsOnlyAboveEpsilon(t *testing.T) {
	opp := newOpp("a", func(o *types.Opportunity) {
		o.Priority = 1 // 0.004 contribution
		o.Difficulty = types.Difficulty("unknown")
		o.RequiredSkills = types.NewSet("haskell")
	})
	results, err := MatchOpportunities(context.Background(), beginner, nil, []*types.Opportunity{opp}, nil, DefaultWeights())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.004, results[0].MatchScore, 1e-9)
	assert.Empty(t, results[0].Reasons)
}

func TestMatch_TieBreaks(t *testing.T) {
	w := DefaultWeights()
	w.Base = 0
	candidates := []*types.Opportunity{
		newOpp("c", func(o *types.Opportunity) { o.Priority = 10 }),
		newOpp("b", func(o *types.Opportunity) { o.Priority = 90 }),
		newOpp("a", func(o *types.Opportunity) { o.Priority = 10 }),
	}
	results, err := MatchOpportunities(context.Background(), beginner, nil, candidates, nil, w)
	require.NoError(t, err)
	ids := []string{results[0].ItemID, results[1].ItemID, results[2].ItemID}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
}

func TestMatch_ExplorationSoftensPenalty(t *testing.T) {
	opp := newOpp("x", func(o *types.Opportunity) { o.Difficulty = types.DifficultyExpert })
	plain, err := MatchOpportunities(context.Background(), beginner, &types.UserPreference{}, []*types.Opportunity{opp}, nil, DefaultWeights())
	require.NoError(t, err)
	explorer, err := MatchOpportunities(context.Background(), beginner, &types.UserPreference{ExplorationWeight: 1}, []*types.Opportunity{opp}, nil, DefaultWeights())
	require.NoError(t, err)
	assert.Greater(t, explorer[0].MatchScore, plain[0].MatchScore)
}

func TestMatch_ParallelMatchesSequential(t *testing.T) {
	candidates := make([]*types.Opportunity, 0, 300)
	levels := []types.Difficulty{types.DifficultyBeginner, types.DifficultyIntermediate, types.DifficultyAdvanced, types.DifficultyExpert}
	for i := 0; i < 300; i++ {
		candidates = append(candidates, newOpp(fmt.Sprintf("o%03d", i), func(o *types.Opportunity) {
			o.Priority = float64(i % 7 * 10)
			o.Difficulty = levels[i%4]
			o.EstimatedHours = hours(float64(i%9 + 1))
		}))
	}
	prefs := &types.UserPreference{MaxEstimatedHours: hours(4)}

	seq := DefaultWeights()
	seq.BatchSize = 1000
	par := DefaultWeights()
	par.BatchSize = 16

	a, err := MatchOpportunities(context.Background(), beginner, prefs, candidates, nil, seq)
	require.NoError(t, err)
	b, err := MatchOpportunities(context.Background(), beginner, prefs, candidates, nil, par)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	for i := 1; i < len(a); i++ {
		assert.GreaterOrEqual(t, a[i-1].MatchScore, a[i].MatchScore)
	}
}

func TestMatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := MatchOpportunities(ctx, beginner, nil, []*types.Opportunity{newOpp("a", nil)}, nil, DefaultWeights())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, results)
}

func TestSkillFit(t *testing.T) {
	tests := []struct {
		skill, diff types.Difficulty
		explore     float64
		want        float64
		ok          bool
	}{
		{types.DifficultyBeginner, types.DifficultyBeginner, 0, 1, true},
		{types.DifficultyBeginner, types.DifficultyIntermediate, 0, 2.0 / 3, true},
		{types.DifficultyBeginner, types.DifficultyExpert, 0, 0, true},
		{types.DifficultyExpert, types.DifficultyBeginner, 0, 0, true},
		{types.DifficultyBeginner, types.DifficultyExpert, 1, 0.5, true},
		{types.Difficulty(""), types.DifficultyExpert, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s/%v", tt.skill, tt.diff, tt.explore), func(t *testing.T) {
			got, ok := SkillFit(tt.skill, tt.diff, tt.explore)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestTimeFit(t *testing.T) {
	tests := []struct {
		name   string
		hours  *float64
		limit  *float64
		want   float64
	}{
		{"no cap", hours(100), nil, 1},
		{"no cap unknown hours", nil, nil, 1},
		{"unknown hours with cap", nil, hours(3), 0},
		{"within cap", hours(2), hours(3), 1},
		{"at cap", hours(3), hours(3), 1},
		{"halfway to double", hours(4.5), hours(3), 0.5},
		{"at double", hours(6), hours(3), 0},
		{"beyond double", hours(20), hours(3), 0},
		{"zero cap", hours(1), hours(0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TimeFit(tt.hours, tt.limit), 1e-9)
		})
	}
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())

	w := DefaultWeights()
	w.Skill = -0.1
	assert.ErrorIs(t, w.Validate(), types.ErrInvalidWeights)

	assert.ErrorIs(t, Weights{}.Validate(), types.ErrInvalidWeights)
}
