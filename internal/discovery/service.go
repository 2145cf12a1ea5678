package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/contribrank/internal/embedder"
	"github.com/dshills/contribrank/internal/lexical"
	"github.com/dshills/contribrank/internal/matcher"
	"github.com/dshills/contribrank/internal/ranking"
	"github.com/dshills/contribrank/internal/scoring"
	"github.com/dshills/contribrank/internal/storage"
	"github.com/dshills/contribrank/internal/vectorindex"
	"github.com/dshills/contribrank/pkg/types"
)

// Defaults for Config.
const (
	DefaultCandidatePool  = 200
	DefaultFeedPageSize   = 2000
	DefaultCacheSize      = 1000
	DefaultCacheTTL       = 5 * time.Minute
)

// Operation labels reported to Metrics.
const (
	OpSearch   = "search"
	OpFeed     = "feed"
	OpTrending = "trending"
	OpHealth   = "health"
)

// Config holds the tunables of the discovery service.
type Config struct {
	Ranking  ranking.Config        `koanf:"ranking"`
	Matching matcher.Weights       `koanf:"matching"`
	Health   scoring.HealthWeights `koanf:"health"`

	// CandidatePool is how many hits each index contributes to a search
	// before filtering and ranking.
	CandidatePool int `koanf:"candidate_pool"`
	// FeedPageSize is how many open opportunities a feed reads from the
	// catalog at a time. Every open opportunity is still considered.
	FeedPageSize int           `koanf:"feed_page_size"`
	CacheSize    int           `koanf:"cache_size"` // 0 disables the search cache
	CacheTTL     time.Duration `koanf:"cache_ttl"`
}

// DefaultConfig returns the default discovery configuration.
func DefaultConfig() Config {
	return Config{
		Ranking:       ranking.DefaultConfig(),
		Matching:      matcher.DefaultWeights(),
		Health:        scoring.DefaultHealthWeights(),
		CandidatePool: DefaultCandidatePool,
		FeedPageSize:  DefaultFeedPageSize,
		CacheSize:     DefaultCacheSize,
		CacheTTL:      DefaultCacheTTL,
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	for _, err := range []error{c.Ranking.Validate(), c.Matching.Validate(), c.Health.Validate()} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if c.CandidatePool <= 0 {
		errs = append(errs, types.Validationf("candidate pool must be > 0, got %d", c.CandidatePool))
	}
	if c.FeedPageSize <= 0 {
		errs = append(errs, types.Validationf("feed page size must be > 0, got %d", c.FeedPageSize))
	}
	if c.CacheSize < 0 || c.CacheTTL < 0 {
		errs = append(errs, types.Validationf("cache size and ttl must be >= 0"))
	}
	return errors.Join(errs...)
}

// Metrics receives request outcomes.
type Metrics interface {
	IncSearch(mode string)
	IncCacheLookup(hit bool)
	ObserveRequestDuration(operation string, seconds float64)
	SetIndexStats(version uint64, vectors int)
}

// Service answers search, feed, trending and health requests over a
// catalog snapshot and the in-memory indexes.
type Service struct {
	catalog  storage.Catalog
	embedder embedder.Embedder
	vectors  *vectorindex.Index
	lexical  *lexical.Index
	config   Config

	cache   *responseCache
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics reports request outcomes to m.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used by trending and health.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Service. A nil embedder limits text search to lexical
// ranking unless callers supply query vectors.
func New(
	catalog storage.Catalog,
	emb embedder.Embedder,
	vectors *vectorindex.Index,
	lex *lexical.Index,
	config Config,
	opts ...Option,
) (*Service, error) {
	if catalog == nil || vectors == nil || lex == nil {
		return nil, errors.New("discovery: catalog and indexes are required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery config: %w", err)
	}
	s := &Service{
		catalog:  catalog,
		embedder: emb,
		vectors:  vectors,
		lexical:  lex,
		config:   config,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if config.CacheSize > 0 {
		s.cache = newResponseCache(config.CacheSize, config.CacheTTL, s.now)
	}
	return s, nil
}

// Invalidate drops cached search responses. Call it whenever the catalog
// or the indexes change.
func (s *Service) Invalidate() {
	if s.cache != nil {
		s.cache.purge()
	}
}

// OnIndexSwap is a vectorindex swap hook: it drops cached responses and
// publishes the new generation.
func (s *Service) OnIndexSwap(stats vectorindex.Stats) {
	s.Invalidate()
	if s.metrics != nil {
		s.metrics.SetIndexStats(stats.Version, stats.Len)
	}
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveRequestDuration(op, time.Since(start).Seconds())
	}
}

// FeedForUser returns up to limit open opportunities ranked for userID by
// the preference matcher. Repositories the user contributed to are
// excluded. An unknown user yields a NotFoundError naming userID.
func (s *Service) FeedForUser(ctx context.Context, userID string, limit int) ([]types.ScoredResult, error) {
	if limit <= 0 {
		return nil, types.ErrInvalidLimit
	}
	defer s.observe(OpFeed, time.Now())

	user, err := s.catalog.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	prefs, err := s.catalog.GetPreferences(ctx, userID)
	if errors.Is(err, types.ErrNotFound) {
		prefs = nil
	} else if err != nil {
		return nil, err
	}
	excluded, err := s.catalog.GetExcludedRepositoryIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	filter := storage.CandidateFilter{
		Statuses:             []types.Status{types.StatusOpen},
		ExcludeArchived:      true,
		ExcludeRepositoryIDs: excluded,
		Limit:                s.config.FeedPageSize,
	}
	if prefs != nil {
		filter.MinRepoStars = prefs.MinRepoStars
	}

	// Each page is matched together with the best limit opportunities so
	// far; the top limit of that union is the top limit overall.
	var kept []*types.Opportunity
	results := []types.ScoredResult{}
	for {
		page, err := s.catalog.ListCandidateOpportunities(ctx, filter)
		if err != nil {
			return nil, err
		}
		pool := make([]*types.Opportunity, 0, len(kept)+len(page))
		pool = append(append(pool, kept...), page...)

		results, err = matcher.MatchOpportunities(ctx, user, prefs, pool, excluded, s.config.Matching)
		if err != nil {
			return nil, err
		}
		if len(results) > limit {
			results = results[:limit]
		}
		kept = keepMatched(pool, results)

		if len(page) < filter.Limit {
			break
		}
		filter.AfterID = page[len(page)-1].ID
	}
	return results, nil
}

// keepMatched returns the opportunities of pool named by results, in
// results order.
func keepMatched(pool []*types.Opportunity, results []types.ScoredResult) []*types.Opportunity {
	byID := make(map[string]*types.Opportunity, len(pool))
	for _, opp := range pool {
		byID[opp.ID] = opp
	}
	kept := make([]*types.Opportunity, 0, len(results))
	for _, r := range results {
		if opp, ok := byID[r.ItemID]; ok {
			kept = append(kept, opp)
		}
	}
	return kept
}

// TrendingStatuses are the statuses eligible for trending: work still
// available or under way.
var TrendingStatuses = []types.Status{types.StatusOpen, types.StatusInProgress}

// TrendingOpportunities returns up to limit opportunities created within
// window, ranked by time-decayed engagement.
func (s *Service) TrendingOpportunities(ctx context.Context, window time.Duration, minEngagement, limit int) ([]scoring.TrendingResult, error) {
	if limit <= 0 {
		return nil, types.ErrInvalidLimit
	}
	if window <= 0 {
		return nil, types.Validationf("trending window must be > 0, got %s", window)
	}
	defer s.observe(OpTrending, time.Now())

	now := s.now()
	since := now.Add(-window)
	candidates, err := s.catalog.ListCandidateOpportunities(ctx, storage.CandidateFilter{
		Statuses:     TrendingStatuses,
		CreatedAfter: &since,
	})
	if err != nil {
		return nil, err
	}

	results, err := scoring.Trending(candidates, window, minEngagement, now)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// RepositoryHealth computes the current health score of repoID in [0,100].
func (s *Service) RepositoryHealth(ctx context.Context, repoID string) (float64, error) {
	defer s.observe(OpHealth, time.Now())
	repo, err := s.catalog.GetRepository(ctx, repoID)
	if err != nil {
		return 0, err
	}
	return scoring.RepositoryHealth(scoring.SignalsOf(repo), s.now(), s.config.Health), nil
}

// IndexStatus describes the indexes and catalog behind the service.
type IndexStatus struct {
	Vector   vectorindex.Stats      `json:"vector"`
	Lexical  int                    `json:"lexical_documents"`
	Catalog  *storage.CatalogStatus `json:"catalog"`
	Provider string                 `json:"embedding_provider,omitempty"`
	Model    string                 `json:"embedding_model,omitempty"`
	Cached   int                    `json:"cached_responses"`
}

// Status reports index and catalog state.
func (s *Service) Status(ctx context.Context) (*IndexStatus, error) {
	catalog, err := s.catalog.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	st := &IndexStatus{
		Vector:  s.vectors.Stats(),
		Lexical: s.lexical.Len(),
		Catalog: catalog,
	}
	if s.embedder != nil {
		st.Provider = s.embedder.Provider()
		st.Model = s.embedder.Model()
	}
	if s.cache != nil {
		st.Cached = s.cache.len()
	}
	return st, nil
}
