package storage

import (
	"context"
	"time"

	"github.com/dshills/contribrank/pkg/types"
)

// Catalog defines the interface for persisting repositories, opportunities,
// users and their preferences.
type Catalog interface {
	// Repository operations
	UpsertRepository(ctx context.Context, repo *types.Repository) error
	GetRepository(ctx context.Context, id string) (*types.Repository, error)
	ListRepositories(ctx context.Context) ([]*types.Repository, error)
	DeleteRepository(ctx context.Context, id string) error
	UpdateRepositoryHealth(ctx context.Context, id string, health float64) error

	// Opportunity operations
	UpsertOpportunity(ctx context.Context, opp *types.Opportunity) error
	GetOpportunity(ctx context.Context, id string) (*types.Opportunity, error)
	ListCandidateOpportunities(ctx context.Context, filter CandidateFilter) ([]*types.Opportunity, error)
	TransitionOpportunityStatus(ctx context.Context, id string, to types.Status) (*types.DataIntegrityWarning, error)
	RecordView(ctx context.Context, id string) error
	RecordApplication(ctx context.Context, id string) error
	RecordCompletion(ctx context.Context, id string) error
	ListStaleCandidates(ctx context.Context, inactiveSince time.Time) ([]string, error)
	ListOpportunityEmbeddings(ctx context.Context, fn func(EmbeddingRecord) error) error
	SetOpportunityEmbedding(ctx context.Context, u EmbeddingUpdate) (bool, error)

	// User operations
	UpsertUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	UpsertPreferences(ctx context.Context, prefs *types.UserPreference) error
	GetPreferences(ctx context.Context, userID string) (*types.UserPreference, error)
	UpsertInteraction(ctx context.Context, in *types.UserRepositoryInteraction) error
	GetExcludedRepositoryIDs(ctx context.Context, userID string) ([]string, error)

	// Status
	GetStatus(ctx context.Context) (*CatalogStatus, error)

	// Lifecycle
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Catalog
}

// CandidateFilter narrows ListCandidateOpportunities. Zero values disable
// the corresponding filter.
type CandidateFilter struct {
	IDs                  []string
	Statuses             []types.Status
	Types                []types.OpportunityType
	Difficulties         []types.Difficulty
	Languages            []string // repository primary language, case-insensitive
	MinRepoStars         int
	ExcludeArchived      bool
	ExcludeRepositoryIDs []string
	CreatedAfter         *time.Time
	// AfterID resumes a listing after the given id. Results are ordered by
	// id, so Limit plus AfterID pages through every match.
	AfterID string
	Limit   int
}

// EmbeddingField names an embedded opportunity field.
type EmbeddingField string

const (
	FieldTitle       EmbeddingField = "title"
	FieldDescription EmbeddingField = "description"
)

// EmbeddingUpdate replaces one opportunity embedding if the field still
// holds Text. Other columns are left alone.
type EmbeddingUpdate struct {
	OpportunityID string
	Field         EmbeddingField
	Text          string
	Embedding     *types.Embedding
}

// EmbeddingRecord carries the stored embeddings of one opportunity
type EmbeddingRecord struct {
	OpportunityID string
	Title         *types.Embedding
	Description   *types.Embedding
}

// CatalogStatus summarizes catalog contents
type CatalogStatus struct {
	Repositories          int    `json:"repositories"`
	Opportunities         int    `json:"opportunities"`
	OpenOpportunities     int    `json:"open_opportunities"`
	EmbeddedOpportunities int    `json:"embedded_opportunities"`
	Users                 int    `json:"users"`
	SchemaVersion         string `json:"schema_version"`
	BuildMode             string `json:"build_mode"`
}
