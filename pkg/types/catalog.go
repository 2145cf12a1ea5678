package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// OpportunityType classifies the kind of contribution
type OpportunityType string

const (
	TypeBugFix        OpportunityType = "bug_fix"
	TypeFeature       OpportunityType = "feature"
	TypeDocumentation OpportunityType = "documentation"
	TypeTest          OpportunityType = "test"
	TypeRefactor      OpportunityType = "refactor"
	TypeSecurity      OpportunityType = "security"
)

// Valid reports whether t is one of the known types
func (t OpportunityType) Valid() bool {
	switch t {
	case TypeBugFix, TypeFeature, TypeDocumentation, TypeTest, TypeRefactor, TypeSecurity:
		return true
	}
	return false
}

// Difficulty is an ordinal scale shared by opportunities and user skill levels.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
	DifficultyExpert       Difficulty = "expert"
)

// MaxDifficultyOrdinal is the ordinal of the highest difficulty.
const MaxDifficultyOrdinal = 3

// Ordinal maps beginner..expert to 0..3. ok is false for unknown values.
func (d Difficulty) Ordinal() (int, bool) {
	switch d {
	case DifficultyBeginner:
		return 0, true
	case DifficultyIntermediate:
		return 1, true
	case DifficultyAdvanced:
		return 2, true
	case DifficultyExpert:
		return 3, true
	}
	return 0, false
}

// Embedding is a fixed-dimension vector plus the provenance needed to
// detect staleness: the model that produced it and a hash of its source text.
type Embedding struct {
	Vector     []float32 `json:"vector"`
	Model      string    `json:"model"`
	SourceHash string    `json:"source_hash"`
}

// HashText returns the hex SHA-256 of text. It is the SourceHash of any
// embedding generated from that text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// FreshFor reports whether e was computed from text and carries a vector.
func (e *Embedding) FreshFor(text string) bool {
	return e != nil && len(e.Vector) > 0 && e.SourceHash == HashText(text)
}

// Repository is a source repository hosting contribution opportunities.
type Repository struct {
	ID              string `json:"id"`
	FullName        string `json:"full_name"`
	Description     string `json:"description"`
	PrimaryLanguage string `json:"primary_language"`
	Topics          Set    `json:"topics"`

	Stars int `json:"stars"`
	Forks int `json:"forks"`

	// Scores in [0,100]; clamped by the store on write.
	HealthScore    float64 `json:"health_score"`
	ActivityScore  float64 `json:"activity_score"`
	CommunityScore float64 `json:"community_score"`

	Archived             bool `json:"archived"`
	HasContributingGuide bool `json:"has_contributing_guide"`
	HasGoodFirstIssues   bool `json:"has_good_first_issues"`
	HasCodeOfConduct     bool `json:"has_code_of_conduct"`

	// Health signals. Nil means unknown.
	LastActivityAt     *time.Time     `json:"last_activity_at,omitempty"`
	MedianResponseTime *time.Duration `json:"median_response_time,omitempty"`
	PRMergeRate        *float64       `json:"pr_merge_rate,omitempty"`
	IssueCloseRate     *float64       `json:"issue_close_rate,omitempty"`

	Embedding *Embedding `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmbeddingText is the text summarized by the repository embedding.
func (r *Repository) EmbeddingText() string {
	return r.FullName + "\n" + r.Description
}

// Opportunity is a single contribution opportunity (typically an issue).
type Opportunity struct {
	ID             string          `json:"id"`
	RepositoryID   string          `json:"repository_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Type           OpportunityType `json:"type"`
	Difficulty     Difficulty      `json:"difficulty"`
	Status         Status          `json:"status"`
	RequiredSkills Set             `json:"required_skills"`
	EstimatedHours *float64        `json:"estimated_hours,omitempty"` // nil when unset
	Priority       float64         `json:"priority"`                  // 0-100

	Views        int `json:"views"`
	Applications int `json:"applications"`
	Completions  int `json:"completions"`

	TitleEmbedding       *Embedding `json:"title_embedding,omitempty"`
	DescriptionEmbedding *Embedding `json:"description_embedding,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Engagement is views plus applications weighted three times.
func (o *Opportunity) Engagement() int {
	return o.Views + 3*o.Applications
}

// User is a developer looking for opportunities
type User struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	Bio                string     `json:"bio"`
	SkillLevel         Difficulty `json:"skill_level"`
	PreferredLanguages Set        `json:"preferred_languages"`
	AvailabilityHours  float64    `json:"availability_hours"`
	ProfileEmbedding   *Embedding `json:"profile_embedding,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// UserPreference holds optional matching preferences, one per user.
type UserPreference struct {
	UserID                     string            `json:"user_id"`
	PreferredContributionTypes []OpportunityType `json:"preferred_contribution_types"`
	MaxEstimatedHours          *float64          `json:"max_estimated_hours,omitempty"`
	MinRepoStars               int               `json:"min_repo_stars"`
	ExplorationWeight          float64           `json:"exploration_weight"` // [0,1]
	UpdatedAt                  time.Time         `json:"updated_at"`
}

// PrefersType reports whether t is among the preferred contribution types
func (p *UserPreference) PrefersType(t OpportunityType) bool {
	if p == nil {
		return false
	}
	for _, pt := range p.PreferredContributionTypes {
		if pt == t {
			return true
		}
	}
	return false
}

// UserRepositoryInteraction joins a user and a repository. Contributed is a
// hard exclusion signal for feed generation.
type UserRepositoryInteraction struct {
	UserID            string    `json:"user_id"`
	RepositoryID      string    `json:"repository_id"`
	Contributed       bool      `json:"contributed"`
	Starred           bool      `json:"starred"`
	Visited           bool      `json:"visited"`
	ContributionCount int       `json:"contribution_count"`
	VisitCount        int       `json:"visit_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}
