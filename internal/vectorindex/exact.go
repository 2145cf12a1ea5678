package vectorindex

import (
	"fmt"
	"sync"

	"github.com/dshills/contribrank/pkg/types"
)

type exactEntry struct {
	unit []float32
	seq  uint64
}

// Exact is a brute-force cosine index. It answers every query exactly and
// serves as the recall baseline for the graph index.
type Exact struct {
	mu      sync.RWMutex
	dim     int
	seq     uint64
	entries map[string]exactEntry
}

// NewExact creates an exact index. dim may be zero to adopt the first
// inserted vector's size.
func NewExact(dim int) *Exact {
	return &Exact{dim: dim, entries: make(map[string]exactEntry)}
}

// Upsert replaces any existing vector for id.
func (e *Exact) Upsert(id string, vector []float32) error {
	if err := checkFinite(vector); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim == 0 {
		e.dim = len(vector)
	}
	if len(vector) != e.dim {
		return fmt.Errorf("%w: got %d, index has %d", types.ErrDimensionMismatch, len(vector), e.dim)
	}
	e.seq++
	e.entries[id] = exactEntry{unit: normalize(vector), seq: e.seq}
	return nil
}

// Remove deletes id if present.
func (e *Exact) Remove(id string) {
	e.mu.Lock()
	delete(e.entries, id)
	e.mu.Unlock()
}

// Len returns the number of stored vectors.
func (e *Exact) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Query returns the k most similar vectors with similarity >= minSimilarity.
func (e *Exact) Query(vector []float32, k int, minSimilarity float64) ([]Hit, error) {
	if k <= 0 {
		return nil, types.ErrInvalidK
	}
	if err := checkFinite(vector); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dim != 0 && len(vector) != e.dim {
		return nil, fmt.Errorf("%w: got %d, index has %d", types.ErrDimensionMismatch, len(vector), e.dim)
	}
	q := normalize(vector)
	scored := make([]scoredEntry, 0, len(e.entries))
	for id, ent := range e.entries {
		scored = append(scored, scoredEntry{id: id, seq: ent.seq, sim: dot(q, ent.unit)})
	}
	return toHits(scored, k, minSimilarity), nil
}
