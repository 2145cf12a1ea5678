package ranking

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/contribrank/internal/lexical"
	"github.com/dshills/contribrank/internal/vectorindex"
	"github.com/dshills/contribrank/pkg/types"
)

// Query is the user's search input. Either field may be empty.
type Query struct {
	Text   string
	Vector []float32
}

// Candidate is an item eligible for ranking.
type Candidate struct {
	ID          string
	Title       string
	Description string
	// Embeddings holds the item's vectors (title, description). Nil or
	// empty entries mean no embedding is available.
	Embeddings [][]float32
	// Quality breaks relevance ties, higher first. Typically repository health.
	Quality float64
}

type ranked struct {
	result  types.ScoredResult
	quality float64
	keep    bool
}

// Rank scores candidates against q and returns those at or above the
// similarity threshold, best first. Ties are broken by Quality desc, then
// ID asc. Rank is pure: the same inputs always produce the same output.
//
// Candidates without embeddings, or a query without a vector, fall back to
// the lexical score. A candidate embedding whose dimension differs from the
// query vector is corrupted state and fails the call with
// ErrInvariantViolation.
//
// ctx is checked between batches; a cancelled call returns ctx.Err() and no
// results.
func Rank(ctx context.Context, q Query, candidates []Candidate, cfg Config) ([]types.ScoredResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []types.ScoredResult{}, nil
	}

	scorer := lexical.NewScorer(q.Text)
	out := make([]ranked, len(candidates))
	batch := cfg.batchSize()

	score := func(ctx context.Context, lo, hi int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := lo; i < hi; i++ {
			r, err := scoreCandidate(scorer, q.Vector, &candidates[i], cfg)
			if err != nil {
				return err
			}
			out[i] = r
		}
		return nil
	}

	if len(candidates) <= batch {
		if err := score(ctx, 0, len(candidates)); err != nil {
			return nil, err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for lo := 0; lo < len(candidates); lo += batch {
			lo, hi := lo, min(lo+batch, len(candidates))
			g.Go(func() error { return score(gctx, lo, hi) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	results := make([]ranked, 0, len(out))
	for _, r := range out {
		if r.keep {
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.result.RelevanceScore != b.result.RelevanceScore {
			return a.result.RelevanceScore > b.result.RelevanceScore
		}
		if a.quality != b.quality {
			return a.quality > b.quality
		}
		return a.result.ItemID < b.result.ItemID
	})

	scored := make([]types.ScoredResult, len(results))
	for i, r := range results {
		scored[i] = r.result
	}
	return scored, nil
}

func scoreCandidate(scorer lexical.Scorer, qv []float32, c *Candidate, cfg Config) (ranked, error) {
	lex := scorer.Score(c.Title, c.Description)

	var vec float64
	hasEmbedding := false
	if len(qv) > 0 {
		for _, emb := range c.Embeddings {
			if len(emb) == 0 {
				continue
			}
			if len(emb) != len(qv) {
				return ranked{}, types.Invariantf("candidate %q embedding has dimension %d, query has %d", c.ID, len(emb), len(qv))
			}
			hasEmbedding = true
			vec = max(vec, types.Clamp01(vectorindex.CosineSimilarity(qv, emb)))
		}
	}

	relevance := types.Clamp01(cfg.TextWeight*lex + cfg.VectorWeight*vec)

	reasons := make([]string, 0, 2)
	if cfg.TextWeight*lex > reasonEpsilon {
		reasons = append(reasons, fmt.Sprintf("lexical match (%.2f)", lex))
	}
	if cfg.VectorWeight*vec > reasonEpsilon {
		reasons = append(reasons, fmt.Sprintf("semantic similarity (%.2f)", vec))
	}
	if len(qv) > 0 && !hasEmbedding {
		reasons = append(reasons, "no embedding: lexical only")
	}

	return ranked{
		result: types.ScoredResult{
			ItemID:         c.ID,
			RelevanceScore: relevance,
			Reasons:        reasons,
		},
		quality: c.Quality,
		keep:    relevance >= cfg.SimilarityThreshold,
	}, nil
}
