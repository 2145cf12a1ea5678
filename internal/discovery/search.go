package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/contribrank/internal/embedder"
	"github.com/dshills/contribrank/internal/ingest"
	"github.com/dshills/contribrank/internal/ranking"
	"github.com/dshills/contribrank/internal/storage"
	"github.com/dshills/contribrank/internal/vectorindex"
	"github.com/dshills/contribrank/pkg/types"
)

// Ranking modes reported to Metrics.
const (
	ModeHybrid      = "hybrid"
	ModeLexicalOnly = "lexical_only"
)

// Filters narrows search candidates. Zero values disable a filter.
type Filters struct {
	// Statuses defaults to open.
	Statuses        []types.Status          `json:"statuses,omitempty"`
	Types           []types.OpportunityType `json:"types,omitempty"`
	Difficulties    []types.Difficulty      `json:"difficulties,omitempty"`
	Languages       []string                `json:"languages,omitempty"`
	MinRepoStars    int                     `json:"min_repo_stars,omitempty"`
	ExcludeArchived bool                    `json:"exclude_archived,omitempty"`
}

// SearchRequest contains parameters for a search operation. At least one
// of Text and Vector is required.
type SearchRequest struct {
	Text    string
	Vector  []float32
	Filters Filters
	Limit   int
}

// SearchResponse contains ranked results and how they were produced.
type SearchResponse struct {
	Results []types.ScoredResult `json:"results"`
	// Degraded is set when results were ranked without a query vector.
	Degraded       bool   `json:"degraded"`
	DegradedReason string `json:"degraded_reason,omitempty"`
	// IndexVersion is the vector index generation the request ran against.
	IndexVersion uint64 `json:"index_version"`
	CacheHit     bool   `json:"cache_hit"`
}

func (s *Service) validateSearch(req SearchRequest) error {
	if req.Limit <= 0 {
		return types.ErrInvalidLimit
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Vector) == 0 {
		return types.ErrEmptyQuery
	}
	for i, v := range req.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return types.Validationf("query vector component %d is not finite", i)
		}
	}
	if dim := s.vectors.Dimension(); len(req.Vector) > 0 && dim > 0 && len(req.Vector) != dim {
		return fmt.Errorf("%w: query has %d, index has %d", types.ErrDimensionMismatch, len(req.Vector), dim)
	}
	return nil
}

// Search ranks opportunities against free text and/or a query vector.
// Candidates come from the lexical and vector indexes, are narrowed by the
// filters in the catalog and ranked by the hybrid ranker. When no query
// vector can be obtained the response is ranked lexically and marked
// Degraded instead of failing.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if err := s.validateSearch(req); err != nil {
		return nil, err
	}
	defer s.observe(OpSearch, time.Now())

	stats := s.vectors.Stats()
	key := requestKey(req)
	if s.cache != nil {
		cached, ok := s.cache.get(key, stats.Version)
		s.cacheLookup(ok)
		if ok {
			cached.CacheHit = true
			return cached, nil
		}
	}

	var (
		lexHits []string
		qv      []float32
		reason  string
	)
	g, gctx := errgroup.WithContext(ctx)
	if strings.TrimSpace(req.Text) != "" {
		g.Go(func() error {
			hits, err := s.lexical.Search(gctx, req.Text, s.config.CandidatePool, 0)
			for _, h := range hits {
				lexHits = append(lexHits, h.ID)
			}
			return err
		})
	}
	g.Go(func() error {
		var err error
		qv, reason, err = s.queryVector(gctx, req, stats)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vecHits, err := s.vectorCandidates(qv)
	if errors.Is(err, types.ErrDimensionMismatch) && len(req.Vector) == 0 {
		// the index was swapped to another model after the query was embedded
		qv, reason = nil, "vector index changed during request"
	} else if err != nil {
		return nil, err
	}

	results, err := s.rank(ctx, req, qv, stats.Model, union(lexHits, vecHits))
	if err != nil {
		return nil, err
	}

	resp := &SearchResponse{
		Results:        results,
		Degraded:       reason != "",
		DegradedReason: reason,
		IndexVersion:   stats.Version,
	}
	mode := ModeHybrid
	if resp.Degraded {
		mode = ModeLexicalOnly
		s.logger.Warn("search degraded to lexical ranking", "reason", reason)
	} else if s.cache != nil {
		s.cache.put(key, stats.Version, resp)
	}
	if s.metrics != nil {
		s.metrics.IncSearch(mode)
	}
	return resp, nil
}

// queryVector returns the vector to rank with, or a degradation reason
// when there is none. Only failures other than an unavailable provider are
// returned as errors.
func (s *Service) queryVector(ctx context.Context, req SearchRequest, stats vectorindex.Stats) ([]float32, string, error) {
	if len(req.Vector) > 0 {
		return req.Vector, "", nil
	}
	if s.embedder == nil {
		return nil, "no embedding provider configured", nil
	}
	if stats.Model != "" && stats.Model != s.embedder.Model() {
		return nil, fmt.Sprintf("vector index holds %s embeddings, queries use %s; rebuild pending",
			stats.Model, s.embedder.Model()), nil
	}

	emb, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: req.Text})
	if errors.Is(err, embedder.ErrEmbeddingUnavailable) {
		return nil, "embedding provider unavailable", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to embed query: %w", err)
	}
	if dim := s.vectors.Dimension(); dim > 0 && len(emb.Vector) != dim {
		return nil, fmt.Sprintf("query embedding has dimension %d, index has %d", len(emb.Vector), dim), nil
	}
	return emb.Vector, "", nil
}

func (s *Service) vectorCandidates(qv []float32) ([]string, error) {
	if len(qv) == 0 {
		return nil, nil
	}
	// two vectors per opportunity
	hits, err := s.vectors.Query(qv, 2*s.config.CandidatePool, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if id, ok := ingest.OpportunityID(h.ID); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func union(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) rank(ctx context.Context, req SearchRequest, qv []float32, model string, ids []string) ([]types.ScoredResult, error) {
	if len(ids) == 0 {
		return []types.ScoredResult{}, nil
	}

	statuses := req.Filters.Statuses
	if len(statuses) == 0 {
		statuses = []types.Status{types.StatusOpen}
	}
	opps, err := s.catalog.ListCandidateOpportunities(ctx, storage.CandidateFilter{
		IDs:             ids,
		Statuses:        statuses,
		Types:           req.Filters.Types,
		Difficulties:    req.Filters.Difficulties,
		Languages:       req.Filters.Languages,
		MinRepoStars:    req.Filters.MinRepoStars,
		ExcludeArchived: req.Filters.ExcludeArchived,
	})
	if err != nil {
		return nil, err
	}

	quality, err := s.repositoryQuality(ctx, opps)
	if err != nil {
		return nil, err
	}

	candidates := make([]ranking.Candidate, len(opps))
	for i, opp := range opps {
		candidates[i] = ranking.Candidate{
			ID:          opp.ID,
			Title:       opp.Title,
			Description: opp.Description,
			Embeddings:  usableEmbeddings(qv, model, opp.TitleEmbedding, opp.DescriptionEmbedding),
			Quality:     quality[opp.RepositoryID],
		}
	}

	results, err := ranking.Rank(ctx, ranking.Query{Text: req.Text, Vector: qv}, candidates, s.config.Ranking)
	if err != nil {
		return nil, err
	}
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// usableEmbeddings keeps the stored embeddings of the index model. An
// embedding of that model with the wrong size is kept, and ranking
// rejects it. Without an index model only the size can tell them apart.
func usableEmbeddings(qv []float32, model string, embs ...*types.Embedding) [][]float32 {
	if len(qv) == 0 {
		return nil
	}
	var out [][]float32
	for _, e := range embs {
		if e == nil {
			continue
		}
		if model != "" && e.Model != model {
			continue
		}
		if model == "" && len(e.Vector) != len(qv) {
			continue
		}
		out = append(out, e.Vector)
	}
	return out
}

// repositoryQuality maps repository id to health score, the tie-breaker
// between equally relevant results.
func (s *Service) repositoryQuality(ctx context.Context, opps []*types.Opportunity) (map[string]float64, error) {
	quality := map[string]float64{}
	for _, opp := range opps {
		if _, done := quality[opp.RepositoryID]; done {
			continue
		}
		repo, err := s.catalog.GetRepository(ctx, opp.RepositoryID)
		switch {
		case err == nil:
			quality[opp.RepositoryID] = repo.HealthScore
		case errors.Is(err, types.ErrNotFound):
			quality[opp.RepositoryID] = 0
		default:
			return nil, err
		}
	}
	return quality, nil
}

func (s *Service) cacheLookup(hit bool) {
	if s.metrics != nil {
		s.metrics.IncCacheLookup(hit)
	}
}
