package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/contribrank/internal/embedder"
	"github.com/dshills/contribrank/internal/storage"
	"github.com/dshills/contribrank/internal/vectorindex"
	"github.com/dshills/contribrank/pkg/types"
)

// rebuildLock is a non-blocking try-lock held for a whole rebuild.
type rebuildLock struct {
	held atomic.Bool
}

func (l *rebuildLock) tryAcquire() bool { return l.held.CompareAndSwap(false, true) }

func (l *rebuildLock) release() { l.held.Store(false) }

// RebuildConfig configures a Reindexer.
type RebuildConfig struct {
	// BatchSize is the number of opportunities re-embedded per provider call.
	BatchSize int
	// Workers bounds concurrent batches.
	Workers int
	Logger  *slog.Logger
	Metrics Metrics
}

// RebuildStats reports a completed rebuild.
type RebuildStats struct {
	Scanned    int
	Reembedded int
	Failed     int
	Indexed    int
	Version    uint64
	Duration   time.Duration
}

// Reindexer re-embeds opportunities whose stored embeddings came from a
// different model, then rebuilds the vector index off to the side and
// swaps it in.
type Reindexer struct {
	catalog  storage.Catalog
	embedder embedder.Embedder
	vectors  *vectorindex.Index
	config   RebuildConfig
	lock     rebuildLock
}

// NewReindexer creates a Reindexer.
func NewReindexer(catalog storage.Catalog, emb embedder.Embedder, vectors *vectorindex.Index, config RebuildConfig) (*Reindexer, error) {
	if catalog == nil {
		return nil, ErrCatalogRequired
	}
	if vectors == nil {
		return nil, ErrIndexRequired
	}
	if emb == nil {
		return nil, embedder.ErrNoProviderEnabled
	}
	if config.BatchSize <= 0 {
		config.BatchSize = embedder.DefaultBatchSize / 2
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Reindexer{catalog: catalog, embedder: emb, vectors: vectors, config: config}, nil
}

// Rebuild brings every stored embedding to the active model and rebuilds
// the vector index from the catalog. Queries keep using the previous index
// until the swap. If the provider could not embed some opportunities the
// swap is skipped and the error wraps ErrEmbeddingUnavailable; the partial
// stats are returned with it and embeddings already regenerated stay
// stored, so the next run only redoes the rest.
func (r *Reindexer) Rebuild(ctx context.Context) (*RebuildStats, error) {
	if !r.lock.tryAcquire() {
		return nil, vectorindex.ErrRebuildInProgress
	}
	defer r.lock.release()

	start := time.Now()
	model, dim := r.embedder.Model(), r.embedder.Dimension()
	stats := &RebuildStats{}

	var stale []string
	err := r.catalog.ListOpportunityEmbeddings(ctx, func(rec storage.EmbeddingRecord) error {
		stats.Scanned++
		if outdated(rec.Title, model) || outdated(rec.Description, model) {
			stale = append(stale, rec.OpportunityID)
		}
		return nil
	})
	if err != nil {
		r.fail()
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}

	r.config.Logger.Info("rebuild started",
		"model", model,
		"scanned", stats.Scanned,
		"stale", len(stale))

	var reembedded, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)
	for i := 0; i < len(stale); i += r.config.BatchSize {
		batch := stale[i:min(i+r.config.BatchSize, len(stale))]
		g.Go(func() error {
			return r.reembedBatch(gctx, batch, model, &reembedded, &failed)
		})
	}
	if err := g.Wait(); err != nil {
		r.fail()
		return nil, err
	}
	stats.Reembedded = int(reembedded.Load())
	stats.Failed = int(failed.Load())
	if stats.Failed > 0 {
		r.fail()
		stats.Duration = time.Since(start)
		return stats, fmt.Errorf("%w: %d opportunities not re-embedded, index left on previous version",
			embedder.ErrEmbeddingUnavailable, stats.Failed)
	}

	counts := &sourceCounts{}
	if err := r.vectors.Rebuild(ctx, model, dim, embeddingSource(r.catalog, model, dim, counts)); err != nil {
		r.fail()
		return nil, err
	}
	stats.Indexed = counts.indexed
	stats.Version = r.vectors.Stats().Version
	stats.Duration = time.Since(start)

	if r.config.Metrics != nil {
		r.config.Metrics.IncRebuild("success")
	}
	r.config.Logger.Info("rebuild finished",
		"model", model,
		"version", stats.Version,
		"reembedded", stats.Reembedded,
		"failed", stats.Failed,
		"indexed", stats.Indexed,
		"duration", stats.Duration)
	return stats, nil
}

// Running reports whether a rebuild holds the lock.
func (r *Reindexer) Running() bool {
	return r.lock.held.Load()
}

func (r *Reindexer) fail() {
	if r.config.Metrics != nil {
		r.config.Metrics.IncRebuild("failure")
	}
}

// outdated reports whether a stored embedding must be regenerated. A
// missing one might belong to an empty description; reembedBatch decides
// once it has the text.
func outdated(e *types.Embedding, model string) bool {
	return e == nil || e.Model != model
}

func needsEmbedding(e *types.Embedding, text, model string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return !e.FreshFor(text) || e.Model != model
}

type embedSlot struct {
	opp   *types.Opportunity
	title bool
}

func (r *Reindexer) reembedBatch(ctx context.Context, ids []string, model string, reembedded, failed *atomic.Int32) error {
	opps, err := r.catalog.ListCandidateOpportunities(ctx, storage.CandidateFilter{IDs: ids})
	if err != nil {
		return fmt.Errorf("failed to load opportunities: %w", err)
	}

	var (
		texts []string
		slots []embedSlot
		dirty = map[string]struct{}{}
	)
	for _, opp := range opps {
		if needsEmbedding(opp.TitleEmbedding, opp.Title, model) {
			texts = append(texts, opp.Title)
			slots = append(slots, embedSlot{opp: opp, title: true})
			dirty[opp.ID] = struct{}{}
		}
		if needsEmbedding(opp.DescriptionEmbedding, opp.Description, model) {
			texts = append(texts, opp.Description)
			slots = append(slots, embedSlot{opp: opp})
			dirty[opp.ID] = struct{}{}
		}
	}
	if len(texts) == 0 {
		return nil
	}

	resp, err := r.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
	if errors.Is(err, embedder.ErrEmbeddingUnavailable) {
		failed.Add(int32(len(dirty)))
		r.config.Logger.Warn("re-embedding batch skipped", "opportunities", len(dirty), "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to re-embed batch: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return types.Invariantf("provider returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	tx, err := r.catalog.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Only the embedding columns are written, and only while the text is
	// the one that was embedded; an ingest racing this batch keeps its own
	// text and embeddings.
	written := map[string]struct{}{}
	for i, slot := range slots {
		u := storage.EmbeddingUpdate{
			OpportunityID: slot.opp.ID,
			Field:         storage.FieldDescription,
			Text:          slot.opp.Description,
			Embedding:     resp.Embeddings[i].Catalog(),
		}
		if slot.title {
			u.Field, u.Text = storage.FieldTitle, slot.opp.Title
		}
		ok, err := tx.SetOpportunityEmbedding(ctx, u)
		if err != nil {
			return fmt.Errorf("failed to store opportunity %s: %w", slot.opp.ID, err)
		}
		if !ok {
			r.config.Logger.Debug("opportunity changed during re-embedding", "opportunity_id", slot.opp.ID, "field", u.Field)
			continue
		}
		written[slot.opp.ID] = struct{}{}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	reembedded.Add(int32(len(written)))
	return nil
}

type sourceCounts struct {
	indexed int
	stale   int
}

// embeddingSource streams stored embeddings of model into a vector index
// rebuild, counting the ones it leaves out.
func embeddingSource(catalog storage.Catalog, model string, dim int, counts *sourceCounts) vectorindex.Source {
	return func(ctx context.Context, emit func(vectorindex.Item) error) error {
		return catalog.ListOpportunityEmbeddings(ctx, func(rec storage.EmbeddingRecord) error {
			fields := []struct {
				key string
				emb *types.Embedding
			}{
				{TitleKey(rec.OpportunityID), rec.Title},
				{DescriptionKey(rec.OpportunityID), rec.Description},
			}
			for _, f := range fields {
				if f.emb == nil {
					continue
				}
				if f.emb.Model != model || len(f.emb.Vector) != dim {
					counts.stale++
					continue
				}
				if err := emit(vectorindex.Item{ID: f.key, Vector: f.emb.Vector}); err != nil {
					return err
				}
				counts.indexed++
			}
			return nil
		})
	}
}
