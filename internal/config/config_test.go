package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/contribrank/internal/discovery"
	"github.com/dshills/contribrank/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, errs := Load("")
	require.Empty(t, errs)
	assert.Equal(t, DefaultDatabasePath, cfg.DatabasePath)
	assert.Equal(t, DefaultMetricsAddr, cfg.MetricsAddr)
	assert.Equal(t, discovery.DefaultConfig(), cfg.Discovery)
	assert.True(t, cfg.Refresh.Enabled)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoad_File(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "contribrank.yaml", `
database_path: /var/lib/contribrank/catalog.db
log_level: debug
embedding:
  provider: local
  dimension: 128
discovery:
  ranking:
    text_weight: 0.5
    vector_weight: 0.5
  cache_ttl: 30s
vector_index:
  ef_search: 100
refresh:
  interval: 15m
  stale_after: 720h
`)

	cfg, errs := Load(path)
	require.Empty(t, errs)
	assert.Equal(t, "/var/lib/contribrank/catalog.db", cfg.DatabasePath)
	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, 128, cfg.Embedding.Dimension)
	assert.Equal(t, 0.5, cfg.Discovery.Ranking.TextWeight)
	assert.Equal(t, 30*time.Second, cfg.Discovery.CacheTTL)
	assert.Equal(t, 100, cfg.VectorIndex.EfSearch)
	assert.Equal(t, 16, cfg.VectorIndex.M, "unset keys keep defaults")
	assert.Equal(t, 15*time.Minute, cfg.Refresh.Interval)
	assert.Equal(t, 720*time.Hour, cfg.Refresh.StaleAfter)
	assert.Equal(t, discovery.DefaultCandidatePool, cfg.Discovery.CandidatePool)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, errs := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Nil(t, cfg)
	require.Len(t, errs, 1)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "contribrank.yaml", "database_path: from-file.db\nlog_level: warn\n")
	t.Setenv("CONTRIBRANK_DATABASE_PATH", "from-env.db")
	t.Setenv("CONTRIBRANK_RANKING_VECTOR_WEIGHT", "0.9")
	t.Setenv("CONTRIBRANK_REFRESH_ENABLED", "off")
	t.Setenv("CONTRIBRANK_CACHE_TTL", "1m")

	cfg, errs := Load(path)
	require.Empty(t, errs)
	assert.Equal(t, "from-env.db", cfg.DatabasePath)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 0.9, cfg.Discovery.Ranking.VectorWeight)
	assert.False(t, cfg.Refresh.Enabled)
	assert.Equal(t, time.Minute, cfg.Discovery.CacheTTL)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CONTRIBRANK_METRICS_ADDR=127.0.0.1:9999\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("CONTRIBRANK_METRICS_ADDR") })

	cfg, errs := Load("")
	require.Empty(t, errs)
	assert.Equal(t, "127.0.0.1:9999", cfg.MetricsAddr)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad integer", map[string]string{"CONTRIBRANK_POOL_SIZE": "many"}},
		{"bad float", map[string]string{"CONTRIBRANK_RANKING_TEXT_WEIGHT": "heavy"}},
		{"bad duration", map[string]string{"CONTRIBRANK_REFRESH_INTERVAL": "hourly"}},
		{"bad bool", map[string]string{"CONTRIBRANK_REFRESH_ENABLED": "maybe"}},
		{"bad level", map[string]string{"CONTRIBRANK_LOG_LEVEL": "loud"}},
		{"negative weight", map[string]string{"CONTRIBRANK_RANKING_TEXT_WEIGHT": "-1"}},
		{"unknown provider", map[string]string{"CONTRIBRANK_EMBEDDING_PROVIDER": "cohere"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, errs := Load("")
			assert.NotEmpty(t, errs)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DatabasePath = ""
	cfg.Refresh.Interval = 0
	cfg.Discovery.Ranking.TextWeight = 0
	cfg.Discovery.Ranking.VectorWeight = 0

	errs := cfg.Validate()
	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0], ErrMissingDatabasePath)
	assert.ErrorIs(t, errs[1], types.ErrInvalidWeights)
}

func TestLogSummaryMasksKeys(t *testing.T) {
	cfg := Default()
	cfg.Embedding.OpenAIAPIKey = "sk-abcdefghijkl"

	summary := cfg.LogSummary()
	assert.Equal(t, "sk-a****", summary["openai_api_key"])
	assert.Equal(t, "<not set>", summary["jina_api_key"])
}
