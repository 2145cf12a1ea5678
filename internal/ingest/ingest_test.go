package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/contribrank/internal/embedder"
	"github.com/dshills/contribrank/internal/lexical"
	"github.com/dshills/contribrank/internal/scoring"
	"github.com/dshills/contribrank/internal/storage"
	"github.com/dshills/contribrank/internal/vectorindex"
	"github.com/dshills/contribrank/pkg/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubEmbedder wraps the local provider with a call counter and an
// outage switch.
type stubEmbedder struct {
	*embedder.LocalProvider
	calls atomic.Int32
	down  atomic.Bool
}

func newStub(dim int) *stubEmbedder {
	return &stubEmbedder{LocalProvider: embedder.NewLocalProvider(dim)}
}

func (s *stubEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, embedder.ErrEmbeddingUnavailable
	}
	return s.LocalProvider.GenerateEmbedding(ctx, req)
}

func (s *stubEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	s.calls.Add(int32(len(req.Texts)))
	if s.down.Load() {
		return nil, embedder.ErrEmbeddingUnavailable
	}
	return s.LocalProvider.GenerateBatch(ctx, req)
}

type countingMetrics struct {
	mu       sync.Mutex
	ingest   map[string]int
	rebuilds map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{ingest: map[string]int{}, rebuilds: map[string]int{}}
}

func (m *countingMetrics) IncIngest(entity, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest[entity+"/"+outcome]++
}

func (m *countingMetrics) IncRebuild(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuilds[outcome]++
}

type fixture struct {
	store    *storage.SQLiteStorage
	vectors  *vectorindex.Index
	lexical  *lexical.Index
	pipeline *Pipeline
	metrics  *countingMetrics
}

func newFixture(t *testing.T, emb embedder.Embedder) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:", storage.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return newFixtureOn(t, store, emb)
}

func newFixtureOn(t *testing.T, store *storage.SQLiteStorage, emb embedder.Embedder) *fixture {
	t.Helper()
	vectors, err := vectorindex.New(vectorindex.DefaultConfig(), vectorindex.WithLogger(discard))
	require.NoError(t, err)
	lex := lexical.NewIndex()
	m := newCountingMetrics()

	p, err := New(store, emb, vectors, lex, WithPoolSize(2), WithLogger(discard), WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return &fixture{store: store, vectors: vectors, lexical: lex, pipeline: p, metrics: m}
}

func (f *fixture) seedRepo(t *testing.T, id string) {
	t.Helper()
	_, err := f.pipeline.IngestRepository(context.Background(), &types.Repository{
		ID:              id,
		FullName:        "acme/" + id,
		Description:     "a repository about " + id,
		PrimaryLanguage: "Go",
	})
	require.NoError(t, err)
}

func newOpp(id, repoID, title, description string) *types.Opportunity {
	return &types.Opportunity{
		ID:           id,
		RepositoryID: repoID,
		Title:        title,
		Description:  description,
		Type:         types.TypeBugFix,
		Difficulty:   types.DifficultyBeginner,
		Priority:     50,
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	vectors, err := vectorindex.New(vectorindex.DefaultConfig())
	require.NoError(t, err)

	_, err = New(nil, nil, vectors, lexical.NewIndex())
	assert.ErrorIs(t, err, ErrCatalogRequired)

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	_, err = New(store, nil, nil, lexical.NewIndex())
	assert.ErrorIs(t, err, ErrIndexRequired)
}

func TestIngestOpportunities_EmbedsAndIndexes(t *testing.T) {
	ctx := context.Background()
	emb := newStub(64)
	f := newFixture(t, emb)
	f.seedRepo(t, "r1")

	results, err := f.pipeline.IngestOpportunities(ctx, []*types.Opportunity{
		newOpp("o1", "r1", "Fix memory leak in cache", "The LRU cache never evicts entries"),
		newOpp("o2", "r1", "Translate the README", "Spanish translation of the docs"),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, 2, r.Embedded)
		assert.False(t, r.Degraded)
	}
	assert.Equal(t, []string{"o1", "o2"}, []string{results[0].ID, results[1].ID})

	assert.Equal(t, 4, f.vectors.Stats().Len)
	assert.Equal(t, 2, f.lexical.Len())

	stored, err := f.store.GetOpportunity(ctx, "o1")
	require.NoError(t, err)
	require.NotNil(t, stored.TitleEmbedding)
	assert.Equal(t, emb.Model(), stored.TitleEmbedding.Model)

	hits, err := f.vectors.Query(stored.TitleEmbedding.Vector, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	id, ok := OpportunityID(hits[0].ID)
	require.True(t, ok)
	assert.Equal(t, "o1", id)

	lex, err := f.lexical.Search(ctx, "readme", 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, lex)
	assert.Equal(t, "o2", lex[0].ID)

	assert.Equal(t, 2, f.metrics.ingest["opportunity/indexed"])
}

func TestIngestOpportunities_AssignsIDs(t *testing.T) {
	f := newFixture(t, newStub(32))
	f.seedRepo(t, "r1")

	res, err := f.pipeline.IngestOpportunity(context.Background(), newOpp("", "r1", "Add tests", ""))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, res.Embedded, "empty description is not embedded")
	assert.Equal(t, 1, f.vectors.Stats().Len)
}

func TestIngest_ReusesUnchangedEmbeddings(t *testing.T) {
	ctx := context.Background()
	emb := newStub(32)
	f := newFixture(t, emb)
	f.seedRepo(t, "r1")

	_, err := f.pipeline.IngestOpportunity(ctx, newOpp("o1", "r1", "Fix flaky test", "Scheduler test times out"))
	require.NoError(t, err)
	before := emb.calls.Load()

	res, err := f.pipeline.IngestOpportunity(ctx, newOpp("o1", "r1", "Fix flaky test", "Scheduler test times out"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reused)
	assert.Zero(t, res.Embedded)
	assert.Equal(t, before, emb.calls.Load())

	res, err = f.pipeline.IngestOpportunity(ctx, newOpp("o1", "r1", "Fix flaky scheduler test", "Scheduler test times out"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, 1, res.Embedded)
	assert.Equal(t, before+1, emb.calls.Load())

	stored, err := f.store.GetOpportunity(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, stored.TitleEmbedding.FreshFor("Fix flaky scheduler test"))
}

func TestIngest_DegradesWhenProviderDown(t *testing.T) {
	ctx := context.Background()
	emb := newStub(32)
	f := newFixture(t, emb)
	f.seedRepo(t, "r1")

	_, err := f.pipeline.IngestOpportunity(ctx, newOpp("o1", "r1", "Fix flaky test", "Scheduler test times out"))
	require.NoError(t, err)
	require.Equal(t, 2, f.vectors.Stats().Len)

	emb.down.Store(true)
	res, err := f.pipeline.IngestOpportunity(ctx, newOpp("o1", "r1", "Rewrite flaky test", "Scheduler test times out"))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, 1, res.Reused)

	stored, err := f.store.GetOpportunity(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "Rewrite flaky test", stored.Title)
	assert.Nil(t, stored.TitleEmbedding)
	assert.NotNil(t, stored.DescriptionEmbedding)

	assert.Equal(t, 1, f.vectors.Stats().Len, "stale title vector removed")
	assert.Equal(t, 1, f.metrics.ingest["opportunity/degraded"])
}

func TestIngestOpportunities_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStub(32))
	f.seedRepo(t, "r1")

	_, err := f.pipeline.IngestOpportunities(ctx, []*types.Opportunity{
		newOpp("o1", "r1", "Valid", "fine"),
		newOpp("o2", "missing", "Orphan", "no repository"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.store.GetOpportunity(ctx, "o1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Zero(t, f.lexical.Len())
	assert.Zero(t, f.vectors.Stats().Len)
	assert.Equal(t, 2, f.metrics.ingest["opportunity/failed"])
}

func TestIngestOpportunities_Validation(t *testing.T) {
	f := newFixture(t, newStub(32))

	_, err := f.pipeline.IngestOpportunities(context.Background(), []*types.Opportunity{nil})
	assert.ErrorIs(t, err, types.ErrValidation)

	results, err := f.pipeline.IngestOpportunities(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIngest_NilEmbedderKeepsSuppliedEmbeddings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seedRepo(t, "r1")

	opp := newOpp("o1", "r1", "Document the API", "")
	opp.TitleEmbedding = &types.Embedding{
		Vector:     []float32{1, 0, 0},
		Model:      "external",
		SourceHash: types.HashText(opp.Title),
	}
	res, err := f.pipeline.IngestOpportunity(ctx, opp)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, 1, f.vectors.Stats().Len)

	opp = newOpp("o2", "r1", "Changed title", "")
	opp.TitleEmbedding = &types.Embedding{Vector: []float32{0, 1, 0}, Model: "external", SourceHash: types.HashText("old title")}
	res, err = f.pipeline.IngestOpportunity(ctx, opp)
	require.NoError(t, err)
	assert.Zero(t, res.Reused)
	assert.Equal(t, 1, f.vectors.Stats().Len)
}

func TestLoadIndexes_NilEmbedderReloadsStoredVectors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.seedRepo(t, "r1")

	for id, vec := range map[string][]float32{"o1": {1, 0, 0}, "o2": {0, 1, 0}} {
		opp := newOpp(id, "r1", "Title of "+id, "")
		opp.TitleEmbedding = &types.Embedding{Vector: vec, Model: "external", SourceHash: types.HashText(opp.Title)}
		_, err := f.pipeline.IngestOpportunity(ctx, opp)
		require.NoError(t, err)
	}
	require.Equal(t, 2, f.vectors.Stats().Len)

	restarted := newFixtureOn(t, f.store, nil)
	stats, err := restarted.pipeline.LoadIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Opportunities)
	assert.Equal(t, 2, stats.Vectors)

	st := restarted.vectors.Stats()
	assert.Equal(t, 2, st.Len)
	assert.Equal(t, "external", st.Model)
	assert.Equal(t, 3, st.Dimension)

	hits, err := restarted.vectors.Query([]float32{1, 0, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, TitleKey("o1"), hits[0].ID)
}

func TestLoadIndexes_NilEmbedderEmptyCatalog(t *testing.T) {
	f := newFixture(t, nil)
	stats, err := f.pipeline.LoadIndexes(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Vectors)
	assert.Zero(t, f.vectors.Stats().Len)
}

func TestIngestRepository_RecomputesHealth(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store, err := storage.NewSQLiteStorage(":memory:", storage.WithLogger(discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	vectors, err := vectorindex.New(vectorindex.DefaultConfig(), vectorindex.WithLogger(discard))
	require.NoError(t, err)

	weights := scoring.DefaultHealthWeights()
	weights.ContributingDocs = 40
	p, err := New(store, nil, vectors, lexical.NewIndex(),
		WithLogger(discard),
		WithClock(func() time.Time { return now }),
		WithHealthWeights(weights))
	require.NoError(t, err)
	t.Cleanup(p.Release)

	active := now.Add(-time.Hour)
	repo := func(score float64) *types.Repository {
		return &types.Repository{
			ID: "r1", FullName: "acme/r1", LastActivityAt: &active,
			HasContributingGuide: true, HealthScore: score,
		}
	}

	tests := []struct {
		name  string
		input float64
	}{
		{"caller score ignored", 99},
		{"re-scan without score keeps computed value", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.IngestRepository(ctx, repo(tt.input))
			require.NoError(t, err)
			stored, err := store.GetRepository(ctx, "r1")
			require.NoError(t, err)
			assert.InDelta(t, 30+40, stored.HealthScore, 1e-9)
		})
	}

	_, err = New(store, nil, vectors, lexical.NewIndex(), WithHealthWeights(scoring.HealthWeights{RecencyWeek: -1}))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestIngestRepository(t *testing.T) {
	ctx := context.Background()
	emb := newStub(32)
	f := newFixture(t, emb)

	repo := &types.Repository{FullName: "acme/widgets", Description: "Widgets for everyone"}
	res, err := f.pipeline.IngestRepository(ctx, repo)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, res.Embedded)

	stored, err := f.store.GetRepository(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, stored.Embedding.FreshFor(stored.EmbeddingText()))

	calls := emb.calls.Load()
	res, err = f.pipeline.IngestRepository(ctx, &types.Repository{ID: res.ID, FullName: "acme/widgets", Description: "Widgets for everyone"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, calls, emb.calls.Load())

	_, err = f.pipeline.IngestRepository(ctx, nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRemoveRepository(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStub(32))
	f.seedRepo(t, "r1")
	f.seedRepo(t, "r2")

	_, err := f.pipeline.IngestOpportunities(ctx, []*types.Opportunity{
		newOpp("o1", "r1", "Fix bug", "crash on start"),
		newOpp("o2", "r2", "Add feature", "export to csv"),
	})
	require.NoError(t, err)

	changes := 0
	f.pipeline.onChange = func() { changes++ }
	require.NoError(t, f.pipeline.RemoveRepository(ctx, "r1"))

	assert.Equal(t, 1, f.lexical.Len())
	assert.Equal(t, 2, f.vectors.Stats().Len)
	assert.Equal(t, 1, changes)
	_, err = f.store.GetOpportunity(ctx, "o1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRegisterUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStub(32))

	maxHours := 4.0
	user := &types.User{
		Username:           "ada",
		Bio:                "Go developer interested in databases",
		SkillLevel:         types.DifficultyIntermediate,
		PreferredLanguages: types.NewSet("go"),
	}
	prefs := &types.UserPreference{
		PreferredContributionTypes: []types.OpportunityType{types.TypeBugFix},
		MaxEstimatedHours:          &maxHours,
	}
	res, err := f.pipeline.RegisterUser(ctx, user, prefs)
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)
	assert.Equal(t, 1, res.Embedded)

	stored, err := f.store.GetUser(ctx, res.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ProfileEmbedding)

	gotPrefs, err := f.store.GetPreferences(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, gotPrefs.PrefersType(types.TypeBugFix))

	_, err = f.pipeline.RegisterUser(ctx, &types.User{}, nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRecordInteraction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStub(32))
	f.seedRepo(t, "r1")
	res, err := f.pipeline.RegisterUser(ctx, &types.User{Username: "ada"}, nil)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.RecordInteraction(ctx, &types.UserRepositoryInteraction{
		UserID:       res.ID,
		RepositoryID: "r1",
		Contributed:  true,
	}))
	excluded, err := f.store.GetExcludedRepositoryIDs(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, excluded)
}

func TestLoadIndexes(t *testing.T) {
	ctx := context.Background()
	emb := newStub(32)
	f := newFixture(t, emb)
	f.seedRepo(t, "r1")
	_, err := f.pipeline.IngestOpportunities(ctx, []*types.Opportunity{
		newOpp("o1", "r1", "Fix bug", "crash on start"),
		newOpp("o2", "r1", "Add feature", "export to csv"),
	})
	require.NoError(t, err)

	t.Run("same model", func(t *testing.T) {
		warm := newFixtureOn(t, f.store, emb)
		stats, err := warm.pipeline.LoadIndexes(ctx)
		require.NoError(t, err)
		assert.Equal(t, LoadStats{Opportunities: 2, Vectors: 4}, stats)
		assert.Equal(t, 2, warm.lexical.Len())
		assert.Equal(t, emb.Model(), warm.vectors.Stats().Model)
	})

	t.Run("model changed", func(t *testing.T) {
		warm := newFixtureOn(t, f.store, newStub(48))
		stats, err := warm.pipeline.LoadIndexes(ctx)
		require.NoError(t, err)
		assert.Equal(t, LoadStats{Opportunities: 2, Vectors: 0, Stale: 4}, stats)
		assert.Equal(t, 2, warm.lexical.Len())
	})
}

func TestReindexer_ModelChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStub(32))
	f.seedRepo(t, "r1")
	_, err := f.pipeline.IngestOpportunities(ctx, []*types.Opportunity{
		newOpp("o1", "r1", "Fix bug", "crash on start"),
		newOpp("o2", "r1", "Add feature", ""),
	})
	require.NoError(t, err)
	versionBefore := f.vectors.Stats().Version

	next := newStub(48)
	m := newCountingMetrics()
	r, err := NewReindexer(f.store, next, f.vectors, RebuildConfig{BatchSize: 1, Logger: discard, Metrics: m})
	require.NoError(t, err)

	stats, err := r.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Reembedded)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 3, stats.Indexed)
	assert.Greater(t, stats.Version, versionBefore)

	vs := f.vectors.Stats()
	assert.Equal(t, next.Model(), vs.Model)
	assert.Equal(t, 48, vs.Dimension)
	assert.Equal(t, 3, vs.Len)

	stored, err := f.store.GetOpportunity(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, next.Model(), stored.TitleEmbedding.Model)
	assert.Equal(t, next.Model(), stored.DescriptionEmbedding.Model)

	calls := next.calls.Load()
	stats, err = r.Rebuild(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Reembedded)
	assert.Equal(t, calls, next.calls.Load(), "empty description does not trigger provider calls")
	assert.Equal(t, 2, m.rebuilds["success"])
}

// racingEmbedder runs during once, while its first batch is in flight.
type racingEmbedder struct {
	*stubEmbedder
	once   sync.Once
	during func()
}

func (r *racingEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	r.once.Do(r.during)
	return r.stubEmbedder.GenerateBatch(ctx, req)
}

func TestReindexer_ConcurrentEditWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStub(32))
	f.seedRepo(t, "r1")
	_, err := f.pipeline.IngestOpportunity(ctx, newOpp("o1", "r1", "Fix bug", "crash on start"))
	require.NoError(t, err)

	next := &racingEmbedder{stubEmbedder: newStub(48)}
	next.during = func() {
		assert.NoError(t, f.store.UpsertOpportunity(ctx, newOpp("o1", "r1", "Fix crash on startup", "crash on start")))
	}
	r, err := NewReindexer(f.store, next, f.vectors, RebuildConfig{BatchSize: 8, Logger: discard})
	require.NoError(t, err)

	stats, err := r.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reembedded, "only the untouched description is written")

	stored, err := f.store.GetOpportunity(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "Fix crash on startup", stored.Title)
	assert.Nil(t, stored.TitleEmbedding, "embedding of the old title is not written back")
	require.NotNil(t, stored.DescriptionEmbedding)
	assert.Equal(t, next.Model(), stored.DescriptionEmbedding.Model)
	assert.True(t, stored.DescriptionEmbedding.FreshFor(stored.Description))
}

func TestReindexer_ProviderDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, newStub(32))
	f.seedRepo(t, "r1")
	_, err := f.pipeline.IngestOpportunity(ctx, newOpp("o1", "r1", "Fix bug", "crash on start"))
	require.NoError(t, err)

	next := newStub(48)
	next.down.Store(true)
	r, err := NewReindexer(f.store, next, f.vectors, RebuildConfig{Logger: discard})
	require.NoError(t, err)

	version := f.vectors.Stats().Version
	stats, err := r.Rebuild(ctx)
	require.ErrorIs(t, err, embedder.ErrEmbeddingUnavailable)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, version, f.vectors.Stats().Version, "previous index keeps serving")
	assert.Equal(t, 2, f.vectors.Stats().Len)

	stored, err := f.store.GetOpportunity(ctx, "o1")
	require.NoError(t, err)
	assert.NotNil(t, stored.TitleEmbedding, "previous embedding kept on outage")
}

func TestReindexer_RejectsConcurrentRebuild(t *testing.T) {
	f := newFixture(t, newStub(32))
	r, err := NewReindexer(f.store, newStub(32), f.vectors, RebuildConfig{Logger: discard})
	require.NoError(t, err)

	require.True(t, r.lock.tryAcquire())
	assert.True(t, r.Running())
	_, err = r.Rebuild(context.Background())
	assert.ErrorIs(t, err, vectorindex.ErrRebuildInProgress)

	r.lock.release()
	_, err = r.Rebuild(context.Background())
	assert.NoError(t, err)
}

func TestNewReindexer_RequiresEmbedder(t *testing.T) {
	f := newFixture(t, nil)
	_, err := NewReindexer(f.store, nil, f.vectors, RebuildConfig{})
	assert.ErrorIs(t, err, types.ErrDependencyUnavailable)
}

func TestOpportunityID(t *testing.T) {
	tests := []struct {
		key    string
		wantID string
		wantOK bool
	}{
		{TitleKey("o1"), "o1", true},
		{DescriptionKey("o1"), "o1", true},
		{TitleKey("a#b"), "a#b", true},
		{"o1", "", false},
		{"o1#summary", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			id, ok := OpportunityID(tt.key)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}
