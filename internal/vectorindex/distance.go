package vectorindex

import (
	"math"
	"sort"

	"github.com/dshills/contribrank/pkg/types"
)

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for mismatched lengths or zero-norm inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// normalize returns a unit-length copy of v. A zero vector stays zero.
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	inv := 1 / math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// dot assumes equal lengths; callers check dimensions up front.
func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// checkFinite rejects NaN and Inf components.
func checkFinite(v []float32) error {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return types.Validationf("vector component %d is not finite", i)
		}
	}
	return nil
}

// Hit is a single nearest-neighbor result.
type Hit struct {
	ID         string
	Similarity float64
}

type scoredEntry struct {
	id  string
	seq uint64
	sim float64
}

// sortEntries orders by similarity desc, then most recent upsert, then id.
func sortEntries(entries []scoredEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.sim != b.sim {
			return a.sim > b.sim
		}
		if a.seq != b.seq {
			return a.seq > b.seq
		}
		return a.id < b.id
	})
}

func toHits(entries []scoredEntry, k int, minSimilarity float64) []Hit {
	sortEntries(entries)
	hits := make([]Hit, 0, min(k, len(entries)))
	for _, e := range entries {
		if len(hits) == k {
			break
		}
		if e.sim < minSimilarity {
			break
		}
		hits = append(hits, Hit{ID: e.id, Similarity: e.sim})
	}
	return hits
}
