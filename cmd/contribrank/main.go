package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/contribrank/internal/ingest"
	"github.com/dshills/contribrank/internal/mcp"
	"github.com/dshills/contribrank/internal/metrics"
	"github.com/dshills/contribrank/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var (
	rootCmd = &cobra.Command{
		Use:          "contribrank",
		Short:        "Open source contribution discovery and ranking",
		SilenceUsage: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		RunE:  runServe,
	}
	rebuildCmd = &cobra.Command{
		Use:   "rebuild",
		Short: "Re-embed outdated opportunities and rebuild the vector index",
		RunE:  runRebuild,
	}
	healthCmd = &cobra.Command{
		Use:   "health <repository-id>",
		Short: "Print the health score of a repository",
		Args:  cobra.ExactArgs(1),
		RunE:  runHealth,
	}
	importCmd = &cobra.Command{
		Use:   "import <catalog.json>",
		Short: "Ingest repositories, opportunities and users from a JSON catalog file",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run:   runVersion,
	}

	// Flags
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file. CONTRIBRANK_* environment variables override it")
	rootCmd.AddCommand(serveCmd, rebuildCmd, healthCmd, importCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("contribrank starting",
		"version", version,
		"build_mode", storage.BuildMode,
		"driver", storage.DriverName)

	loaded, err := a.load(ctx)
	if err != nil {
		return err
	}
	if loaded.Stale > 0 && a.embedder != nil {
		go a.backgroundRebuild(ctx)
	}

	if a.cfg.Refresh.Enabled {
		job := a.refreshJob()
		if err := job.Start(ctx); err != nil {
			return fmt.Errorf("failed to start refresh job: %w", err)
		}
		defer job.Stop()
	}

	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metricsMux(a),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("metrics endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics endpoint failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	server, err := mcp.NewServer(a.service, version, mcp.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.logger.Info("MCP server ready, listening on stdio")
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	return mux
}

// backgroundRebuild brings embeddings from a previous model up to date
// while the server keeps answering from the current index.
func (a *app) backgroundRebuild(ctx context.Context) {
	r, err := a.reindexer()
	if err != nil {
		a.logger.Error("failed to create reindexer", "error", err)
		return
	}
	stats, err := r.Rebuild(ctx)
	if err != nil {
		a.logger.Error("background rebuild failed", "error", err)
		return
	}
	a.logger.Info("background rebuild complete",
		"reembedded", stats.Reembedded,
		"indexed", stats.Indexed,
		"version", stats.Version)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := a.reindexer()
	if err != nil {
		return err
	}
	stats, err := r.Rebuild(ctx)
	if stats != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d reembedded=%d failed=%d indexed=%d version=%d duration=%s\n",
			stats.Scanned, stats.Reembedded, stats.Failed, stats.Indexed, stats.Version, stats.Duration)
	}
	return err
}

func runHealth(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	score, err := a.service.RepositoryHealth(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.1f\n", args[0], score)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	catalog, err := ingest.DecodeCatalogFile(f)
	if err != nil {
		return err
	}

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := a.pipeline.Import(ctx, catalog)
	fmt.Fprintf(cmd.OutOrStdout(), "repositories=%d opportunities=%d users=%d interactions=%d degraded=%d\n",
		stats.Repositories, stats.Opportunities, stats.Users, stats.Interactions, stats.Degraded)
	return err
}

func runVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "contribrank\n")
	fmt.Fprintf(out, "Version: %s\n", version)
	fmt.Fprintf(out, "Build Time: %s\n", buildTime)
	fmt.Fprintf(out, "Build Mode: %s\n", storage.BuildMode)
	fmt.Fprintf(out, "SQLite Driver: %s\n", storage.DriverName)
}
