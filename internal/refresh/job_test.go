package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/contribrank/internal/scoring"
	"github.com/dshills/contribrank/internal/storage"
	"github.com/dshills/contribrank/pkg/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type jobMetrics struct {
	mu     sync.Mutex
	totals map[string]int
	errors map[string]int
}

func newJobMetrics() *jobMetrics {
	return &jobMetrics{totals: map[string]int{}, errors: map[string]int{}}
}

func (m *jobMetrics) IncJobsTotal(jobType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[jobType+"/"+status]++
}

func (m *jobMetrics) ObserveJobDuration(string, float64) {}

func (m *jobMetrics) IncJobErrors(jobType, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[jobType+"/"+errorType]++
}

func newStore(t *testing.T, clk *clock) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:", storage.WithLogger(discard), storage.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestJob_StartStop(t *testing.T) {
	clk := &clock{now: time.Now()}
	job := NewJob(Config{Interval: 10 * time.Millisecond, Logger: discard}, newStore(t, clk))

	assert.False(t, job.IsRunning())

	ctx := context.Background()
	require.NoError(t, job.Start(ctx))
	assert.True(t, job.IsRunning())
	require.NoError(t, job.Start(ctx), "start is idempotent")

	job.Stop()
	assert.False(t, job.IsRunning())
	job.Stop()
}

func TestJob_StartRejectsInvalidWeights(t *testing.T) {
	clk := &clock{now: time.Now()}
	job := NewJob(Config{Logger: discard, Health: scoring.HealthWeights{RecencyWeek: -1}}, newStore(t, clk))
	err := job.Start(context.Background())
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.False(t, job.IsRunning())
}

func TestJob_RunOnce(t *testing.T) {
	clk := &clock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	store := newStore(t, clk)
	ctx := context.Background()

	active := clk.now.Add(-24 * time.Hour)
	merge := 1.0
	require.NoError(t, store.UpsertRepository(ctx, &types.Repository{
		ID: "active", FullName: "acme/active", LastActivityAt: &active, PRMergeRate: &merge,
	}))
	require.NoError(t, store.UpsertRepository(ctx, &types.Repository{ID: "quiet", FullName: "acme/quiet"}))

	for _, id := range []string{"old-open", "old-claimed"} {
		require.NoError(t, store.UpsertOpportunity(ctx, &types.Opportunity{
			ID: id, RepositoryID: "active", Title: id, Type: types.TypeBugFix, Difficulty: types.DifficultyBeginner,
		}))
	}
	_, err := store.TransitionOpportunityStatus(ctx, "old-claimed", types.StatusInProgress)
	require.NoError(t, err)

	clk.Advance(45 * 24 * time.Hour)
	require.NoError(t, store.UpsertOpportunity(ctx, &types.Opportunity{
		ID: "recent", RepositoryID: "active", Title: "recent", Type: types.TypeBugFix, Difficulty: types.DifficultyBeginner,
	}))

	metrics := newJobMetrics()
	changes := 0
	job := NewJob(Config{
		StaleAfter: 30 * 24 * time.Hour,
		Logger:     discard,
		JobMetrics: metrics,
		OnChange:   func() { changes++ },
		Now:        clk.Now,
	}, store)

	report, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.HealthUpdated, "quiet repository stays at zero")
	assert.Equal(t, 1, report.MarkedStale)
	assert.Zero(t, report.HealthFailed+report.StaleFailed)
	assert.Equal(t, 1, changes)

	repo, err := store.GetRepository(ctx, "active")
	require.NoError(t, err)
	// activity 46 days ago (within a quarter) plus a full merge rate
	assert.InDelta(t, 10+20, repo.HealthScore, 1e-9)

	tests := []struct {
		id   string
		want types.Status
	}{
		{"old-open", types.StatusStale},
		{"old-claimed", types.StatusInProgress},
		{"recent", types.StatusOpen},
	}
	for _, tt := range tests {
		opp, err := store.GetOpportunity(ctx, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, opp.Status, tt.id)
	}

	assert.Equal(t, 1, metrics.totals[JobHealthRefresh+"/success"])
	assert.Equal(t, 1, metrics.totals[JobStaleSweep+"/success"])

	t.Run("second cycle changes nothing", func(t *testing.T) {
		report, err := job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.HealthUpdated)
		assert.Zero(t, report.MarkedStale)
		assert.Equal(t, 1, changes)
	})
}

type failingCatalog struct {
	Catalog
	listErr   error
	updateErr error
	repos     []*types.Repository
	slow      bool
}

func (f *failingCatalog) ListRepositories(ctx context.Context) ([]*types.Repository, error) {
	if f.slow {
		<-ctx.Done()
	}
	return f.repos, f.listErr
}

func (f *failingCatalog) UpdateRepositoryHealth(context.Context, string, float64) error {
	return f.updateErr
}

func (f *failingCatalog) ListStaleCandidates(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

func TestJob_RunOnceFailures(t *testing.T) {
	ctx := context.Background()
	guide := &types.Repository{ID: "r1", HasContributingGuide: true}

	t.Run("list failure", func(t *testing.T) {
		metrics := newJobMetrics()
		boom := errors.New("database is locked")
		job := NewJob(Config{Logger: discard, JobMetrics: metrics, StaleAfter: time.Hour}, &failingCatalog{listErr: boom})

		_, err := job.RunOnce(ctx)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, metrics.totals[JobHealthRefresh+"/failure"])
		assert.Equal(t, 1, metrics.errors[JobHealthRefresh+"/list_error"])
		assert.Equal(t, 1, metrics.totals[JobStaleSweep+"/success"])
	})

	t.Run("update failure is counted", func(t *testing.T) {
		metrics := newJobMetrics()
		job := NewJob(Config{Logger: discard, JobMetrics: metrics}, &failingCatalog{
			repos:     []*types.Repository{guide},
			updateErr: errors.New("disk full"),
		})

		report, err := job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.HealthFailed)
		assert.Equal(t, 1, metrics.totals[JobHealthRefresh+"/failure"])
		assert.Equal(t, 1, metrics.errors[JobHealthRefresh+"/update_error"])
		assert.Zero(t, metrics.totals[JobStaleSweep+"/success"], "sweep disabled")
	})

	t.Run("timeout", func(t *testing.T) {
		metrics := newJobMetrics()
		job := NewJob(Config{Logger: discard, JobMetrics: metrics, Timeout: time.Nanosecond}, &failingCatalog{
			repos: []*types.Repository{guide},
			slow:  true,
		})

		_, err := job.RunOnce(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, metrics.errors[JobHealthRefresh+"/timeout"])
	})
}
