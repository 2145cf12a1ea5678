package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/dshills/contribrank/internal/embedder"
	"github.com/dshills/contribrank/internal/lexical"
	"github.com/dshills/contribrank/internal/scoring"
	"github.com/dshills/contribrank/internal/storage"
	"github.com/dshills/contribrank/internal/vectorindex"
	"github.com/dshills/contribrank/pkg/types"
)

// Construction errors
var (
	ErrCatalogRequired = errors.New("ingest: catalog is required")
	ErrIndexRequired   = errors.New("ingest: vector and lexical indexes are required")
)

// Metric outcomes
const (
	OutcomeIndexed  = "indexed"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

// Entity labels
const (
	EntityRepository  = "repository"
	EntityOpportunity = "opportunity"
	EntityUser        = "user"
)

// Metrics receives ingestion and rebuild outcomes.
type Metrics interface {
	IncIngest(entity, outcome string)
	IncRebuild(outcome string)
}

// Result reports how one entity was ingested.
type Result struct {
	ID string
	// Embedded counts embeddings produced by the provider during this call.
	Embedded int
	// Reused counts current embeddings carried over without a provider call.
	Reused int
	// Degraded is set when the provider was unavailable and the entity was
	// stored without one or more embeddings.
	Degraded bool
}

func (r *Result) add(o fieldOutcome) {
	switch o {
	case fieldEmbedded:
		r.Embedded++
	case fieldReused:
		r.Reused++
	case fieldDegraded:
		r.Degraded = true
	}
}

func (r Result) outcome() string {
	if r.Degraded {
		return OutcomeDegraded
	}
	return OutcomeIndexed
}

// Pipeline writes catalog entities to the store and keeps the vector and
// lexical indexes in step with it.
type Pipeline struct {
	catalog  storage.Catalog
	embedder embedder.Embedder
	vectors  *vectorindex.Index
	lexical  *lexical.Index

	pool     *ants.Pool
	metrics  Metrics
	onChange func()
	logger   *slog.Logger
	health   scoring.HealthWeights
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the number of concurrent embedding workers.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if p.pool != nil {
			p.pool.Release()
		}
		p.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithMetrics reports ingestion outcomes to m.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) error {
		p.metrics = m
		return nil
	}
}

// WithChangeHook registers fn to run after every successful write that
// touched the indexes.
func WithChangeHook(fn func()) Option {
	return func(p *Pipeline) error {
		p.onChange = fn
		return nil
	}
}

// WithHealthWeights sets the weights used to score repositories on
// ingestion. Default is scoring.DefaultHealthWeights().
func WithHealthWeights(w scoring.HealthWeights) Option {
	return func(p *Pipeline) error {
		if err := w.Validate(); err != nil {
			return err
		}
		p.health = w
		return nil
	}
}

// WithClock overrides the clock used for health scoring.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) error {
		if now != nil {
			p.now = now
		}
		return nil
	}
}

// New creates a pipeline. A nil embedder is allowed: entities are then
// stored with whatever current embeddings they already carry.
func New(
	catalog storage.Catalog,
	emb embedder.Embedder,
	vectors *vectorindex.Index,
	lex *lexical.Index,
	opts ...Option,
) (*Pipeline, error) {
	if catalog == nil {
		return nil, ErrCatalogRequired
	}
	if vectors == nil || lex == nil {
		return nil, ErrIndexRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		catalog:  catalog,
		embedder: emb,
		vectors:  vectors,
		lexical:  lex,
		pool:     pool,
		logger:   slog.Default(),
		health:   scoring.DefaultHealthWeights(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}
	return p, nil
}

// Release stops the worker pool.
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

type fieldOutcome int

const (
	fieldSkipped fieldOutcome = iota
	fieldReused
	fieldEmbedded
	fieldDegraded
)

// embedField returns an embedding of text. The first candidate that is
// current for text (and for the active model, when there is an embedder)
// is reused; otherwise the provider is called. A provider outage is not an
// error: the field degrades to no embedding.
func (p *Pipeline) embedField(ctx context.Context, text string, candidates ...*types.Embedding) (*types.Embedding, fieldOutcome, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fieldSkipped, nil
	}
	for _, c := range candidates {
		if !c.FreshFor(text) {
			continue
		}
		if p.embedder == nil || c.Model == p.embedder.Model() {
			return c, fieldReused, nil
		}
	}
	if p.embedder == nil {
		return nil, fieldSkipped, nil
	}

	emb, err := p.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
	if errors.Is(err, embedder.ErrEmbeddingUnavailable) {
		return nil, fieldDegraded, nil
	}
	if err != nil {
		return nil, fieldSkipped, fmt.Errorf("failed to embed: %w", err)
	}
	return emb.Catalog(), fieldEmbedded, nil
}

// IngestRepository stores repo, embedding its name and description when
// they changed since the last write. HealthScore is recomputed from the
// repository's signals; any value the caller set is replaced.
func (p *Pipeline) IngestRepository(ctx context.Context, repo *types.Repository) (Result, error) {
	if repo == nil {
		return Result{}, types.Validationf("repository is required")
	}
	var prev *types.Embedding
	if repo.ID != "" {
		existing, err := p.catalog.GetRepository(ctx, repo.ID)
		switch {
		case err == nil:
			prev = existing.Embedding
		case !errors.Is(err, types.ErrNotFound):
			return Result{}, err
		}
	}

	var res Result
	emb, outcome, err := p.embedField(ctx, repo.EmbeddingText(), repo.Embedding, prev)
	if err != nil {
		p.count(EntityRepository, OutcomeFailed, 1)
		return Result{}, err
	}
	res.add(outcome)
	repo.Embedding = emb
	repo.HealthScore = scoring.RepositoryHealth(scoring.SignalsOf(repo), p.now(), p.health)

	if err := p.catalog.UpsertRepository(ctx, repo); err != nil {
		p.count(EntityRepository, OutcomeFailed, 1)
		return Result{}, fmt.Errorf("failed to store repository: %w", err)
	}
	res.ID = repo.ID
	p.count(EntityRepository, res.outcome(), 1)
	if res.Degraded {
		p.logger.Warn("repository stored without embedding", "repository_id", repo.ID)
	}
	return res, nil
}

// RemoveRepository deletes a repository with its opportunities and drops
// them from the indexes.
func (p *Pipeline) RemoveRepository(ctx context.Context, id string) error {
	opps, err := p.catalog.ListCandidateOpportunities(ctx, storage.CandidateFilter{})
	if err != nil {
		return err
	}
	if err := p.catalog.DeleteRepository(ctx, id); err != nil {
		return err
	}
	for _, opp := range opps {
		if opp.RepositoryID != id {
			continue
		}
		p.lexical.Remove(opp.ID)
		p.vectors.Remove(TitleKey(opp.ID))
		p.vectors.Remove(DescriptionKey(opp.ID))
	}
	p.changed()
	return nil
}

// IngestOpportunity stores a single opportunity.
func (p *Pipeline) IngestOpportunity(ctx context.Context, opp *types.Opportunity) (Result, error) {
	results, err := p.IngestOpportunities(ctx, []*types.Opportunity{opp})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// IngestOpportunities embeds opps on the worker pool, stores them in one
// transaction and then updates the indexes. Either every opportunity is
// stored or none is.
func (p *Pipeline) IngestOpportunities(ctx context.Context, opps []*types.Opportunity) ([]Result, error) {
	if len(opps) == 0 {
		return []Result{}, nil
	}
	ids := make([]string, 0, len(opps))
	for i, opp := range opps {
		if opp == nil {
			return nil, types.Validationf("opportunity at index %d is nil", i)
		}
		if opp.ID != "" {
			ids = append(ids, opp.ID)
		}
	}

	prev := map[string]*types.Opportunity{}
	if len(ids) > 0 {
		existing, err := p.catalog.ListCandidateOpportunities(ctx, storage.CandidateFilter{IDs: ids})
		if err != nil {
			return nil, fmt.Errorf("failed to load existing opportunities: %w", err)
		}
		for _, e := range existing {
			prev[e.ID] = e
		}
	}

	results := make([]Result, len(opps))
	errs := make([]error, len(opps))
	var wg sync.WaitGroup
	for i, opp := range opps {
		wg.Add(1)
		if err := p.pool.Submit(func() {
			defer wg.Done()
			results[i], errs[i] = p.embedOpportunity(ctx, opp, prev[opp.ID])
		}); err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("failed to schedule embedding: %w", err)
		}
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		p.count(EntityOpportunity, OutcomeFailed, len(opps))
		return nil, err
	}

	if err := p.storeOpportunities(ctx, opps); err != nil {
		p.count(EntityOpportunity, OutcomeFailed, len(opps))
		return nil, err
	}

	for i, opp := range opps {
		results[i].ID = opp.ID
		p.indexOpportunity(opp)
		p.count(EntityOpportunity, results[i].outcome(), 1)
		if results[i].Degraded {
			p.logger.Warn("opportunity stored without embedding", "opportunity_id", opp.ID)
		}
	}
	p.changed()
	return results, nil
}

func (p *Pipeline) embedOpportunity(ctx context.Context, opp, prev *types.Opportunity) (Result, error) {
	var (
		res                   Result
		prevTitle, prevDetail *types.Embedding
	)
	if prev != nil {
		prevTitle, prevDetail = prev.TitleEmbedding, prev.DescriptionEmbedding
	}

	title, outcome, err := p.embedField(ctx, opp.Title, opp.TitleEmbedding, prevTitle)
	if err != nil {
		return res, fmt.Errorf("opportunity %q title: %w", opp.Title, err)
	}
	res.add(outcome)

	detail, outcome, err := p.embedField(ctx, opp.Description, opp.DescriptionEmbedding, prevDetail)
	if err != nil {
		return res, fmt.Errorf("opportunity %q description: %w", opp.Title, err)
	}
	res.add(outcome)

	opp.TitleEmbedding = title
	opp.DescriptionEmbedding = detail
	return res, nil
}

func (p *Pipeline) storeOpportunities(ctx context.Context, opps []*types.Opportunity) error {
	tx, err := p.catalog.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, opp := range opps {
		if err := tx.UpsertOpportunity(ctx, opp); err != nil {
			return fmt.Errorf("failed to store opportunity %q: %w", opp.Title, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Pipeline) indexOpportunity(opp *types.Opportunity) {
	p.lexical.Upsert(opp.ID, opp.Title, opp.Description)
	p.indexVector(TitleKey(opp.ID), opp.TitleEmbedding)
	p.indexVector(DescriptionKey(opp.ID), opp.DescriptionEmbedding)
}

// indexVector makes the index entry for key match emb. A vector the active
// generation cannot hold is dropped rather than left stale.
func (p *Pipeline) indexVector(key string, emb *types.Embedding) {
	if emb == nil {
		p.vectors.Remove(key)
		return
	}
	if err := p.vectors.Upsert(key, emb.Vector); err != nil {
		p.logger.Warn("vector not indexed", "key", key, "model", emb.Model, "error", err)
		p.vectors.Remove(key)
	}
}

// RegisterUser stores user and, when given, prefs in one transaction. The
// profile embedding covers the bio.
func (p *Pipeline) RegisterUser(ctx context.Context, user *types.User, prefs *types.UserPreference) (Result, error) {
	if user == nil {
		return Result{}, types.Validationf("user is required")
	}
	var prev *types.Embedding
	if user.ID != "" {
		existing, err := p.catalog.GetUser(ctx, user.ID)
		switch {
		case err == nil:
			prev = existing.ProfileEmbedding
		case !errors.Is(err, types.ErrNotFound):
			return Result{}, err
		}
	}

	var res Result
	emb, outcome, err := p.embedField(ctx, user.Bio, user.ProfileEmbedding, prev)
	if err != nil {
		p.count(EntityUser, OutcomeFailed, 1)
		return Result{}, err
	}
	res.add(outcome)
	user.ProfileEmbedding = emb

	tx, err := p.catalog.BeginTx(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.UpsertUser(ctx, user); err != nil {
		p.count(EntityUser, OutcomeFailed, 1)
		return Result{}, fmt.Errorf("failed to store user: %w", err)
	}
	if prefs != nil {
		prefs.UserID = user.ID
		if err := tx.UpsertPreferences(ctx, prefs); err != nil {
			p.count(EntityUser, OutcomeFailed, 1)
			return Result{}, fmt.Errorf("failed to store preferences: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	res.ID = user.ID
	p.count(EntityUser, res.outcome(), 1)
	return res, nil
}

// RecordInteraction stores a user/repository interaction. Contributed
// interactions exclude the repository from the user's feed.
func (p *Pipeline) RecordInteraction(ctx context.Context, in *types.UserRepositoryInteraction) error {
	if err := p.catalog.UpsertInteraction(ctx, in); err != nil {
		return fmt.Errorf("failed to store interaction: %w", err)
	}
	p.changed()
	return nil
}

// LoadStats describes an index warm-up.
type LoadStats struct {
	Opportunities int
	Vectors       int
	// Stale counts stored embeddings skipped because another model, or no
	// model, produced them. A Reindexer run brings them back.
	Stale int
}

// LoadIndexes fills the lexical index from the catalog and rebuilds the
// vector index from stored embeddings of the active model. Without an
// embedder the active model is the one the index already holds, or else
// the model behind most stored embeddings.
func (p *Pipeline) LoadIndexes(ctx context.Context) (LoadStats, error) {
	opps, err := p.catalog.ListCandidateOpportunities(ctx, storage.CandidateFilter{})
	if err != nil {
		return LoadStats{}, fmt.Errorf("failed to list opportunities: %w", err)
	}
	for _, opp := range opps {
		p.lexical.Upsert(opp.ID, opp.Title, opp.Description)
	}
	stats := LoadStats{Opportunities: len(opps)}

	model, dim, err := p.indexModel(ctx)
	if err != nil {
		return stats, err
	}
	if dim > 0 {
		counts := &sourceCounts{}
		src := embeddingSource(p.catalog, model, dim, counts)
		if err := p.vectors.Rebuild(ctx, model, dim, src); err != nil {
			return stats, err
		}
		stats.Vectors = counts.indexed
		stats.Stale = counts.stale
	}

	p.logger.Info("indexes loaded",
		"opportunities", stats.Opportunities,
		"vectors", stats.Vectors,
		"stale", stats.Stale)
	p.changed()
	return stats, nil
}

// indexModel returns the model and dimension LoadIndexes rebuilds with. A
// zero dimension means there is nothing to load.
func (p *Pipeline) indexModel(ctx context.Context) (string, int, error) {
	if p.embedder != nil {
		return p.embedder.Model(), p.embedder.Dimension(), nil
	}
	if st := p.vectors.Stats(); st.Model != "" && st.Dimension > 0 {
		return st.Model, st.Dimension, nil
	}

	type modelDim struct {
		model string
		dim   int
	}
	seen := map[modelDim]int{}
	err := p.catalog.ListOpportunityEmbeddings(ctx, func(rec storage.EmbeddingRecord) error {
		for _, emb := range []*types.Embedding{rec.Title, rec.Description} {
			if emb != nil && len(emb.Vector) > 0 {
				seen[modelDim{emb.Model, len(emb.Vector)}]++
			}
		}
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to scan embeddings: %w", err)
	}

	var best modelDim
	bestCount := 0
	for md, n := range seen {
		if n > bestCount || (n == bestCount && (md.model < best.model || md.model == best.model && md.dim < best.dim)) {
			best, bestCount = md, n
		}
	}
	return best.model, best.dim, nil
}

func (p *Pipeline) count(entity, outcome string, n int) {
	if p.metrics == nil {
		return
	}
	for range n {
		p.metrics.IncIngest(entity, outcome)
	}
}

func (p *Pipeline) changed() {
	if p.onChange != nil {
		p.onChange()
	}
}
