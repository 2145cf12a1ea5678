package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/contribrank/pkg/types"
)

// ErrRebuildInProgress is returned when a rebuild is requested while
// another one is running.
var ErrRebuildInProgress = fmt.Errorf("%w: vector index rebuild in progress", types.ErrDependencyUnavailable)

// Item is a vector supplied to Rebuild.
type Item struct {
	ID     string
	Vector []float32
}

// Source streams every vector of the next index generation. It must call
// emit once per item and stop when emit returns an error.
type Source func(ctx context.Context, emit func(Item) error) error

// Stats describes the active index generation.
type Stats struct {
	Version    uint64 `json:"version"`
	Model      string `json:"model"`
	Dimension  int    `json:"dimension"`
	Len        int    `json:"vectors"`
	Rebuilding bool   `json:"rebuilding"`
}

type snapshot struct {
	g       *graph
	version uint64
	model   string
}

type journalEntry struct {
	id     string
	vector []float32 // nil for removals
}

// Index is a concurrent vector index with double-buffered rebuilds.
// Queries load the active generation through an atomic pointer and never
// wait on a rebuild. Writes made while a rebuild runs are applied to the
// active generation and journaled for replay into the new one before the
// swap.
type Index struct {
	cfg    Config
	logger *slog.Logger

	current atomic.Pointer[snapshot]
	seq     atomic.Uint64

	rebuilding atomic.Bool

	writeMu   sync.Mutex
	journal   []journalEntry // guarded by writeMu
	targetDim int            // guarded by writeMu

	onSwap func(Stats)
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithModel records the embedding model of the initial generation.
func WithModel(model string) Option {
	return func(i *Index) {
		i.current.Load().model = model
	}
}

// WithSwapHook registers fn to run after each successful rebuild swap.
func WithSwapHook(fn func(Stats)) Option {
	return func(i *Index) {
		i.onSwap = fn
	}
}

// New creates an empty index.
func New(cfg Config, opts ...Option) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	idx := &Index{cfg: cfg, logger: slog.Default()}
	idx.current.Store(&snapshot{g: newGraph(cfg, cfg.Dimension), version: 1})
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Upsert replaces any existing vector for id.
func (i *Index) Upsert(id string, vector []float32) error {
	if id == "" {
		return types.Validationf("vector id is empty")
	}
	if len(vector) == 0 {
		return types.Validationf("vector for %q is empty", id)
	}
	if err := checkFinite(vector); err != nil {
		return err
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	snap := i.current.Load()
	snap.g.mu.RLock()
	fitsActive := snap.g.accepts(len(vector))
	activeDim := snap.g.dim
	snap.g.mu.RUnlock()

	rebuilding := i.rebuilding.Load()
	fitsTarget := rebuilding && len(vector) == i.targetDim

	if !fitsActive && !fitsTarget {
		return fmt.Errorf("%w: got %d, index has %d", types.ErrDimensionMismatch, len(vector), activeDim)
	}
	if fitsActive {
		snap.g.insert(id, vector, i.seq.Add(1))
	}
	if fitsTarget {
		cp := make([]float32, len(vector))
		copy(cp, vector)
		i.journal = append(i.journal, journalEntry{id: id, vector: cp})
	} else if rebuilding {
		// The new generation cannot hold this vector; make sure a
		// stale one from the rebuild source does not survive the swap.
		i.journal = append(i.journal, journalEntry{id: id})
	}
	return nil
}

// Remove deletes id from the index. It reports whether the id was present
// in the active generation.
func (i *Index) Remove(id string) bool {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	removed := i.current.Load().g.remove(id)
	if i.rebuilding.Load() {
		i.journal = append(i.journal, journalEntry{id: id})
	}
	return removed
}

// Query returns up to k ids ordered by descending cosine similarity,
// keeping only those with similarity >= minSimilarity. Equal similarities
// are ordered most recently upserted first, then by id.
func (i *Index) Query(vector []float32, k int, minSimilarity float64) ([]Hit, error) {
	if k <= 0 {
		return nil, types.ErrInvalidK
	}
	if err := checkFinite(vector); err != nil {
		return nil, err
	}

	snap := i.current.Load()
	g := snap.g
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.dim == 0 {
		return []Hit{}, nil
	}
	if len(vector) != g.dim {
		return nil, fmt.Errorf("%w: got %d, index has %d", types.ErrDimensionMismatch, len(vector), g.dim)
	}
	return toHits(g.search(normalize(vector), k), k, minSimilarity), nil
}

// Dimension returns the vector size of the active generation, or 0 if it
// has not been fixed yet.
func (i *Index) Dimension() int {
	g := i.current.Load().g
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dim
}

// Stats reports the active generation.
func (i *Index) Stats() Stats {
	snap := i.current.Load()
	snap.g.mu.RLock()
	dim := snap.g.dim
	snap.g.mu.RUnlock()
	return Stats{
		Version:    snap.version,
		Model:      snap.model,
		Dimension:  dim,
		Len:        snap.g.len(),
		Rebuilding: i.rebuilding.Load(),
	}
}

// Rebuild builds a new generation for model with vectors of size dim from
// src, then atomically makes it active. The active generation keeps serving
// queries and accepting writes until the swap. If src yields a vector of the
// wrong size the rebuild aborts with ErrInvariantViolation and the active
// generation is left untouched.
func (i *Index) Rebuild(ctx context.Context, model string, dim int, src Source) error {
	if dim <= 0 {
		return types.Validationf("rebuild dimension must be > 0, got %d", dim)
	}
	if !i.rebuilding.CompareAndSwap(false, true) {
		return ErrRebuildInProgress
	}
	defer i.rebuilding.Store(false)

	i.writeMu.Lock()
	i.journal = nil
	i.targetDim = dim
	i.writeMu.Unlock()

	start := time.Now()
	next := newGraph(i.cfg, dim)
	count := 0
	err := src(ctx, func(it Item) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(it.Vector) != dim {
			return types.Invariantf("rebuild vector %q has dimension %d, want %d", it.ID, len(it.Vector), dim)
		}
		if err := checkFinite(it.Vector); err != nil {
			return fmt.Errorf("%w: rebuild vector %q: %w", types.ErrInvariantViolation, it.ID, err)
		}
		next.insert(it.ID, it.Vector, i.seq.Add(1))
		count++
		return nil
	})
	if err != nil {
		i.writeMu.Lock()
		i.journal = nil
		i.targetDim = 0
		i.writeMu.Unlock()
		if errors.Is(err, types.ErrInvariantViolation) {
			i.logger.Error("vector index rebuild aborted", "model", model, "error", err)
		} else {
			i.logger.Warn("vector index rebuild failed", "model", model, "error", err)
		}
		return fmt.Errorf("rebuild vector index: %w", err)
	}

	i.writeMu.Lock()
	replayed := len(i.journal)
	for _, e := range i.journal {
		if e.vector == nil {
			next.remove(e.id)
			continue
		}
		next.insert(e.id, e.vector, i.seq.Add(1))
	}
	prev := i.current.Load()
	i.current.Store(&snapshot{g: next, version: prev.version + 1, model: model})
	i.journal = nil
	i.targetDim = 0
	i.writeMu.Unlock()

	stats := i.Stats()
	stats.Rebuilding = false
	i.logger.Info("vector index rebuilt",
		"model", model,
		"version", stats.Version,
		"vectors", count,
		"replayed", replayed,
		"duration", time.Since(start))
	if i.onSwap != nil {
		i.onSwap(stats)
	}
	return nil
}
