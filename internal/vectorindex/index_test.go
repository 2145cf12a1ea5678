package vectorindex

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/contribrank/pkg/types"
)

func randomVectors(seed uint64, n, dim int) [][]float32 {
	r := rand.New(rand.NewPCG(seed, seed+1))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(r.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func newTestIndex(t *testing.T, mutate func(*Config)) *Index {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	idx, err := New(cfg)
	require.NoError(t, err)
	return idx
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1}, []float32{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}

func TestIndex_QueryOrdering(t *testing.T) {
	idx := newTestIndex(t, nil)
	require.NoError(t, idx.Upsert("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert("b", []float32{0.8, 0.6, 0}))
	require.NoError(t, idx.Upsert("c", []float32{0, 1, 0}))

	hits, err := idx.Query([]float32{1, 0, 0}, 3, -1)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
	assert.Equal(t, "b", hits[1].ID)
	assert.Equal(t, "c", hits[2].ID)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Similarity, hits[i].Similarity)
	}

	hits, err = idx.Query([]float32{1, 0, 0}, 3, 0.5)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = idx.Query([]float32{1, 0, 0}, 1, -1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestIndex_TieBreakMostRecentFirst(t *testing.T) {
	idx := newTestIndex(t, nil)
	require.NoError(t, idx.Upsert("older", []float32{1, 1}))
	require.NoError(t, idx.Upsert("newer", []float32{2, 2}))

	hits, err := idx.Query([]float32{1, 1}, 2, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "newer", hits[0].ID)

	// Re-upserting bumps recency.
	require.NoError(t, idx.Upsert("older", []float32{1, 1}))
	hits, err = idx.Query([]float32{1, 1}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "older", hits[0].ID)
}

func TestIndex_UpsertReplacesAndRemove(t *testing.T) {
	idx := newTestIndex(t, nil)
	require.NoError(t, idx.Upsert("x", []float32{1, 0}))
	require.NoError(t, idx.Upsert("x", []float32{0, 1}))
	assert.Equal(t, 1, idx.Stats().Len)

	hits, err := idx.Query([]float32{0, 1}, 5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)

	assert.True(t, idx.Remove("x"))
	assert.False(t, idx.Remove("x"))
	hits, err = idx.Query([]float32{0, 1}, 5, -1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_Validation(t *testing.T) {
	idx := newTestIndex(t, func(c *Config) { c.Dimension = 3 })

	err := idx.Upsert("a", []float32{1, 2})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = idx.Query([]float32{1, 2}, 1, 0)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = idx.Query([]float32{1, 2, 3}, 0, 0)
	assert.ErrorIs(t, err, types.ErrInvalidK)

	nan := float32(0)
	nan = nan / nan
	assert.ErrorIs(t, idx.Upsert("a", []float32{nan, 1, 1}), types.ErrValidation)
	assert.ErrorIs(t, idx.Upsert("", []float32{1, 1, 1}), types.ErrValidation)
}

func TestIndex_EmptyQuery(t *testing.T) {
	idx := newTestIndex(t, nil)
	hits, err := idx.Query([]float32{1, 2}, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func recallAt(t *testing.T, idx *Index, exact *Exact, queries [][]float32, k int) float64 {
	t.Helper()
	var found, total int
	for _, q := range queries {
		want, err := exact.Query(q, k, -1)
		require.NoError(t, err)
		got, err := idx.Query(q, k, -1)
		require.NoError(t, err)
		ids := make(map[string]bool, len(got))
		for _, h := range got {
			ids[h.ID] = true
		}
		for _, h := range want {
			total++
			if ids[h.ID] {
				found++
			}
		}
	}
	return float64(found) / float64(total)
}

func TestIndex_RecallAgainstExact(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recall test in short mode")
	}
	const n, dim, k = 2000, 32, 10
	idx := newTestIndex(t, func(c *Config) {
		c.ExactThreshold = 0
		c.EfSearch = 128
	})
	exact := NewExact(dim)

	for i, v := range randomVectors(1, n, dim) {
		id := fmt.Sprintf("v%04d", i)
		require.NoError(t, idx.Upsert(id, v))
		require.NoError(t, exact.Upsert(id, v))
	}
	queries := randomVectors(2, 50, dim)

	recall := recallAt(t, idx, exact, queries, k)
	assert.GreaterOrEqual(t, recall, 0.9, "recall@%d", k)

	// Remove a third of the corpus and check the graph stays navigable.
	for i := 0; i < n; i += 3 {
		id := fmt.Sprintf("v%04d", i)
		assert.True(t, idx.Remove(id))
		exact.Remove(id)
	}
	recall = recallAt(t, idx, exact, queries, k)
	assert.GreaterOrEqual(t, recall, 0.9, "recall@%d after removals", k)

	for _, q := range queries {
		hits, err := idx.Query(q, k, -1)
		require.NoError(t, err)
		for _, h := range hits {
			var i int
			_, _ = fmt.Sscanf(h.ID, "v%04d", &i)
			assert.NotZero(t, i%3, "removed id %s returned", h.ID)
		}
	}
}

func TestIndex_SelfQueryRanksFirst(t *testing.T) {
	idx := newTestIndex(t, func(c *Config) { c.ExactThreshold = 0 })
	vecs := randomVectors(7, 500, 16)
	for i, v := range vecs {
		require.NoError(t, idx.Upsert(fmt.Sprintf("v%d", i), v))
	}
	for _, i := range []int{0, 123, 499} {
		hits, err := idx.Query(vecs[i], 1, 0)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, fmt.Sprintf("v%d", i), hits[0].ID)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
	}
}

func sliceSource(items []Item) Source {
	return func(ctx context.Context, emit func(Item) error) error {
		for _, it := range items {
			if err := emit(it); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestIndex_RebuildSwapsGeneration(t *testing.T) {
	idx, err := New(DefaultConfig(), WithModel("old-model"))
	require.NoError(t, err)
	require.NoError(t, idx.Upsert("a", []float32{1, 0}))

	var swapped Stats
	idx.onSwap = func(s Stats) { swapped = s }

	items := []Item{
		{ID: "a", Vector: []float32{1, 0, 0}},
		{ID: "b", Vector: []float32{0, 1, 0}},
	}
	require.NoError(t, idx.Rebuild(context.Background(), "new-model", 3, sliceSource(items)))

	stats := idx.Stats()
	assert.Equal(t, uint64(2), stats.Version)
	assert.Equal(t, "new-model", stats.Model)
	assert.Equal(t, 3, stats.Dimension)
	assert.Equal(t, 2, stats.Len)
	assert.False(t, stats.Rebuilding)
	assert.Equal(t, stats, swapped)

	_, err = idx.Query([]float32{1, 0}, 1, 0)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	hits, err := idx.Query([]float32{0, 1, 0}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "b", hits[0].ID)
}

func TestIndex_RebuildWrongDimensionKeepsPrevious(t *testing.T) {
	idx := newTestIndex(t, nil)
	require.NoError(t, idx.Upsert("a", []float32{1, 0}))

	items := []Item{
		{ID: "a", Vector: []float32{1, 0, 0}},
		{ID: "bad", Vector: []float32{1, 0}},
	}
	err := idx.Rebuild(context.Background(), "m2", 3, sliceSource(items))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvariantViolation)

	stats := idx.Stats()
	assert.Equal(t, uint64(1), stats.Version)
	assert.Equal(t, 2, stats.Dimension)
	hits, err := idx.Query([]float32{1, 0}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", hits[0].ID)
}

// blockingSource emits its items and then waits for release, so tests can
// act while a rebuild is in flight.
func blockingSource(items []Item, started chan<- struct{}, release <-chan struct{}) Source {
	return func(ctx context.Context, emit func(Item) error) error {
		for _, it := range items {
			if err := emit(it); err != nil {
				return err
			}
		}
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestIndex_RebuildJournalsConcurrentWrites(t *testing.T) {
	idx := newTestIndex(t, nil)
	require.NoError(t, idx.Upsert("keep", []float32{1, 0}))
	require.NoError(t, idx.Upsert("gone", []float32{0, 1}))

	started := make(chan struct{})
	release := make(chan struct{})
	items := []Item{
		{ID: "keep", Vector: []float32{1, 0}},
		{ID: "gone", Vector: []float32{0, 1}},
	}

	done := make(chan error, 1)
	go func() {
		done <- idx.Rebuild(context.Background(), "m2", 2, blockingSource(items, started, release))
	}()
	<-started

	assert.True(t, idx.Stats().Rebuilding)
	assert.ErrorIs(t, idx.Rebuild(context.Background(), "m3", 2, sliceSource(nil)), ErrRebuildInProgress)

	// Writes during the rebuild are visible immediately and survive the swap.
	require.NoError(t, idx.Upsert("fresh", []float32{0.7, 0.7}))
	idx.Remove("gone")
	hits, err := idx.Query([]float32{0.7, 0.7}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "fresh", hits[0].ID)

	close(release)
	require.NoError(t, <-done)

	stats := idx.Stats()
	assert.Equal(t, uint64(2), stats.Version)
	assert.Equal(t, 2, stats.Len)
	hits, err = idx.Query([]float32{0.7, 0.7}, 5, -1)
	require.NoError(t, err)
	ids := []string{}
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []string{"fresh", "keep"}, ids)
}

func TestIndex_QueriesDuringRebuild(t *testing.T) {
	idx := newTestIndex(t, nil)
	vecs := randomVectors(3, 300, 8)
	items := make([]Item, len(vecs))
	for i, v := range vecs {
		id := fmt.Sprintf("v%d", i)
		require.NoError(t, idx.Upsert(id, v))
		items[i] = Item{ID: id, Vector: v}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			for _, q := range randomVectors(seed, 50, 8) {
				hits, err := idx.Query(q, 5, -1)
				if err != nil {
					errs <- err
					return
				}
				if len(hits) != 5 {
					errs <- fmt.Errorf("got %d hits", len(hits))
					return
				}
			}
		}(uint64(w + 10))
	}

	require.NoError(t, idx.Rebuild(ctx, "m2", 8, sliceSource(items)))
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("query during rebuild: %v", err)
	}
}

func TestIndex_RebuildCancelled(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	started := make(chan struct{})
	err := idx.Rebuild(ctx, "m2", 2, blockingSource(nil, started, make(chan struct{})))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), idx.Stats().Version)
	assert.False(t, idx.Stats().Rebuilding)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.M = 1
	bad.EfSearch = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = New(bad)
	assert.Error(t, err)
}

func TestExact(t *testing.T) {
	e := NewExact(0)
	require.NoError(t, e.Upsert("a", []float32{1, 0}))
	require.NoError(t, e.Upsert("b", []float32{0, 1}))
	assert.ErrorIs(t, e.Upsert("c", []float32{1}), types.ErrDimensionMismatch)
	assert.Equal(t, 2, e.Len())

	hits, err := e.Query([]float32{1, 0.1}, 2, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)

	e.Remove("a")
	hits, err = e.Query([]float32{1, 0.1}, 2, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func BenchmarkIndexQuery(b *testing.B) {
	cfg := DefaultConfig()
	cfg.ExactThreshold = 0
	idx, err := New(cfg)
	require.NoError(b, err)
	for i, v := range randomVectors(1, 5000, 64) {
		require.NoError(b, idx.Upsert(fmt.Sprintf("v%d", i), v))
	}
	queries := randomVectors(2, 100, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := idx.Query(queries[i%len(queries)], 10, 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkExactQuery(b *testing.B) {
	e := NewExact(64)
	for i, v := range randomVectors(1, 5000, 64) {
		require.NoError(b, e.Upsert(fmt.Sprintf("v%d", i), v))
	}
	queries := randomVectors(2, 100, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Query(queries[i%len(queries)], 10, 0); err != nil {
			b.Fatal(err)
		}
	}
}
