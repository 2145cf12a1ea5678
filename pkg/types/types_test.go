package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSet(t *testing.T) {
	s := NewSet("Go", " rust ", "go", "", "Python")
	assert.Equal(t, []string{"go", "python", "rust"}, s.Items())
	assert.Equal(t, 3, s.Len())
	assert.True(t, s.Contains("GO"))
	assert.False(t, s.Contains("java"))
}

func TestSetOverlap(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Set
		count int
		ratio float64
	}{
		{"disjoint", NewSet("go"), NewSet("rust"), 0, 0},
		{"partial", NewSet("go", "sql"), NewSet("GO", "java"), 1, 0.5},
		{"full", NewSet("go", "sql"), NewSet("sql", "go", "c"), 2, 1},
		{"empty left", NewSet(), NewSet("go"), 0, 0},
		{"empty right", NewSet("go"), NewSet(), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.count, tt.a.Overlap(tt.b))
			assert.InDelta(t, tt.ratio, tt.a.OverlapRatio(tt.b), 1e-9)
		})
	}
}

func TestSetJSON(t *testing.T) {
	data, err := json.Marshal(NewSet("b", "A"))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(data))

	var s Set
	require.NoError(t, json.Unmarshal([]byte(`["X","x","y"]`), &s))
	assert.Equal(t, []string{"x", "y"}, s.Items())

	data, err = json.Marshal(Set{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestEntityJSONKeys(t *testing.T) {
	hours := 2.5
	tests := []struct {
		name   string
		entity any
		want   []string
	}{
		{"repository", &Repository{ID: "r1", FullName: "acme/r1", Topics: NewSet("go")},
			[]string{"id", "full_name", "primary_language", "health_score", "has_contributing_guide", "created_at", "updated_at"}},
		{"opportunity", &Opportunity{ID: "o1", RepositoryID: "r1", EstimatedHours: &hours,
			TitleEmbedding: &Embedding{Vector: []float32{1}, Model: "m", SourceHash: "h"}},
			[]string{"id", "repository_id", "required_skills", "estimated_hours", "title_embedding", "views", "created_at"}},
		{"user", &User{ID: "u1", SkillLevel: DifficultyBeginner},
			[]string{"id", "username", "skill_level", "preferred_languages", "availability_hours"}},
		{"preference", &UserPreference{UserID: "u1", PreferredContributionTypes: []OpportunityType{TypeTest}},
			[]string{"user_id", "preferred_contribution_types", "min_repo_stars", "exploration_weight"}},
		{"interaction", &UserRepositoryInteraction{UserID: "u1", RepositoryID: "r1", Contributed: true},
			[]string{"user_id", "repository_id", "contributed", "contribution_count", "visit_count"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.entity)
			require.NoError(t, err)
			var fields map[string]any
			require.NoError(t, json.Unmarshal(data, &fields))
			for _, key := range tt.want {
				assert.Contains(t, fields, key)
			}
			for key := range fields {
				assert.Regexp(t, `^[a-z]+(_[a-z]+)*$`, key)
			}
		})
	}

	var opp Opportunity
	require.NoError(t, json.Unmarshal([]byte(`{"id":"o1","repository_id":"r1","title_embedding":{"vector":[1],"model":"m","source_hash":"h"}}`), &opp))
	assert.Equal(t, "r1", opp.RepositoryID)
	require.NotNil(t, opp.TitleEmbedding)
	assert.Equal(t, "h", opp.TitleEmbedding.SourceHash)
	assert.Nil(t, opp.DescriptionEmbedding)
}

func TestDifficultyOrdinal(t *testing.T) {
	for want, d := range []Difficulty{DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced, DifficultyExpert} {
		got, ok := d.Ordinal()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := Difficulty("wizard").Ordinal()
	assert.False(t, ok)
}

func TestEmbeddingFreshFor(t *testing.T) {
	e := &Embedding{Vector: []float32{1}, SourceHash: HashText("hello")}
	assert.True(t, e.FreshFor("hello"))
	assert.False(t, e.FreshFor("hello!"))

	var nilEmb *Embedding
	assert.False(t, nilEmb.FreshFor("hello"))
	assert.False(t, (&Embedding{SourceHash: HashText("x")}).FreshFor("x"))
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to  Status
		wantErr   bool
		anomalous bool
	}{
		{StatusOpen, StatusInProgress, false, false},
		{StatusInProgress, StatusCompleted, false, false},
		{StatusInProgress, StatusAbandoned, false, false},
		{StatusOpen, StatusStale, false, false},
		{StatusStale, StatusClosed, false, false},
		{StatusOpen, StatusClosed, false, false},
		{StatusInProgress, StatusClosed, false, false},
		{StatusAbandoned, StatusOpen, false, false},
		{StatusOpen, StatusCompleted, false, true},
		{StatusStale, StatusCompleted, false, true},
		{StatusCompleted, StatusOpen, true, false},
		{StatusClosed, StatusOpen, true, false},
		{StatusClosed, StatusClosed, true, false},
		{StatusOpen, StatusAbandoned, true, false},
		{StatusOpen, Status("bogus"), true, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			tr, err := CheckTransition(tt.from, tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.anomalous, tr.Anomalous)
		})
	}
}

func TestErrorClasses(t *testing.T) {
	assert.ErrorIs(t, ErrInvalidWeights, ErrValidation)
	assert.ErrorIs(t, ErrInvalidLimit, ErrValidation)
	assert.ErrorIs(t, ErrDimensionMismatch, ErrValidation)

	err := fmt.Errorf("lookup: %w", NewNotFound("user", "u-42"))
	assert.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "u-42", nf.ID)
	assert.Contains(t, err.Error(), "u-42")

	assert.ErrorIs(t, Invariantf("dim %d", 3), ErrInvariantViolation)
}

func TestScoredResultValidate(t *testing.T) {
	assert.NoError(t, (&ScoredResult{ItemID: "a", RelevanceScore: 1}).Validate())
	assert.Error(t, (&ScoredResult{ItemID: "", RelevanceScore: 0.5}).Validate())
	assert.Error(t, (&ScoredResult{ItemID: "a", MatchScore: 1.1}).Validate())
}
