package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/contribrank/internal/config"
	"github.com/dshills/contribrank/internal/discovery"
	"github.com/dshills/contribrank/internal/embedder"
	"github.com/dshills/contribrank/internal/ingest"
	"github.com/dshills/contribrank/internal/lexical"
	"github.com/dshills/contribrank/internal/metrics"
	"github.com/dshills/contribrank/internal/refresh"
	"github.com/dshills/contribrank/internal/storage"
	"github.com/dshills/contribrank/internal/vectorindex"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *storage.SQLiteStorage
	embedder embedder.Embedder
	vectors  *vectorindex.Index
	lexical  *lexical.Index
	service  *discovery.Service
	pipeline *ingest.Pipeline
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

// newApp loads configuration and builds the component graph. Logs go to
// stderr; stdout is reserved for the MCP protocol.
func newApp(configPath string) (*app, error) {
	cfg, errs := config.Load(configPath)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger.Info("configuration loaded", "settings", cfg.LogSummary())

	a := &app{cfg: cfg, logger: logger}

	a.metrics = metrics.NewMetrics()
	a.registry = prometheus.NewRegistry()
	if err := a.metrics.Register(a.registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	a.store, err = storage.NewSQLiteStorage(cfg.DatabasePath, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	a.embedder, err = embedder.New(cfg.Embedding, embedder.WithLogger(logger))
	switch {
	case errors.Is(err, embedder.ErrNoProviderEnabled):
		logger.Warn("no embedding provider available, search is lexical only", "error", err)
		a.embedder = nil
	case err != nil:
		_ = a.store.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	// The swap hook runs after the service exists; swaps only happen once
	// indexes are loaded.
	var svc *discovery.Service
	indexOpts := []vectorindex.Option{
		vectorindex.WithLogger(logger),
		vectorindex.WithSwapHook(func(stats vectorindex.Stats) {
			if svc != nil {
				svc.OnIndexSwap(stats)
			}
		}),
	}
	if a.embedder != nil {
		indexOpts = append(indexOpts, vectorindex.WithModel(a.embedder.Model()))
	}
	a.vectors, err = vectorindex.New(cfg.VectorIndex, indexOpts...)
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("failed to create vector index: %w", err)
	}
	a.lexical = lexical.NewIndex()

	svc, err = discovery.New(a.store, a.embedder, a.vectors, a.lexical, cfg.Discovery,
		discovery.WithLogger(logger), discovery.WithMetrics(a.metrics))
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.service = svc

	pipelineOpts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithMetrics(a.metrics),
		ingest.WithHealthWeights(cfg.Discovery.Health),
		ingest.WithChangeHook(svc.Invalidate),
	}
	if cfg.PoolSize > 0 {
		pipelineOpts = append(pipelineOpts, ingest.WithPoolSize(cfg.PoolSize))
	}
	a.pipeline, err = ingest.New(a.store, a.embedder, a.vectors, a.lexical, pipelineOpts...)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	return a, nil
}

// close releases the worker pool and the catalog.
func (a *app) close() {
	a.pipeline.Release()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close catalog", "error", err)
	}
}

// load warms the indexes from the catalog and reports how many stored
// embeddings belong to another model.
func (a *app) load(ctx context.Context) (ingest.LoadStats, error) {
	stats, err := a.pipeline.LoadIndexes(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to load indexes: %w", err)
	}
	return stats, nil
}

func (a *app) reindexer() (*ingest.Reindexer, error) {
	return ingest.NewReindexer(a.store, a.embedder, a.vectors, ingest.RebuildConfig{
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

func (a *app) refreshJob() *refresh.Job {
	return refresh.NewJob(refresh.Config{
		Interval:   a.cfg.Refresh.Interval,
		Timeout:    a.cfg.Refresh.Timeout,
		StaleAfter: a.cfg.Refresh.StaleAfter,
		Health:     a.cfg.Discovery.Health,
		Logger:     a.logger,
		JobMetrics: a.metrics,
		OnChange:   a.service.Invalidate,
	}, a.store)
}
