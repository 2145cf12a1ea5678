// Package config loads contribrank configuration. It uses koanf to read an
// optional YAML file, then applies CONTRIBRANK_* environment overrides.
// A .env file in the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dshills/contribrank/internal/discovery"
	"github.com/dshills/contribrank/internal/embedder"
	"github.com/dshills/contribrank/internal/refresh"
	"github.com/dshills/contribrank/internal/vectorindex"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONTRIBRANK_"

// Default values for settings that are not part of a component config.
const (
	DefaultDatabasePath = "contribrank.db"
	DefaultMetricsAddr  = ":9464"
	DefaultLogLevel     = "info"
	DefaultEnvFile      = ".env"
)

// Config holds all configuration values.
type Config struct {
	DatabasePath string `koanf:"database_path"`
	LogLevel     string `koanf:"log_level"`
	// MetricsAddr is the listen address of the /metrics endpoint. Empty
	// disables it.
	MetricsAddr string `koanf:"metrics_addr"`
	// PoolSize is the ingestion embedding worker count. Zero selects
	// half the CPUs.
	PoolSize int `koanf:"pool_size"`

	Embedding   embedder.Config    `koanf:"embedding"`
	Discovery   discovery.Config   `koanf:"discovery"`
	VectorIndex vectorindex.Config `koanf:"vector_index"`
	Refresh     RefreshConfig      `koanf:"refresh"`
}

// RefreshConfig configures the background refresh job.
type RefreshConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Interval   time.Duration `koanf:"interval"`
	Timeout    time.Duration `koanf:"timeout"`
	StaleAfter time.Duration `koanf:"stale_after"`
}

// Configuration validation errors.
var (
	ErrMissingDatabasePath = errors.New("database_path is required")
	ErrInvalidLogLevel     = errors.New("log_level must be debug, info, warn or error")
	ErrInvalidValue        = errors.New("invalid environment value")
)

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		DatabasePath: DefaultDatabasePath,
		LogLevel:     DefaultLogLevel,
		MetricsAddr:  DefaultMetricsAddr,
		Embedding:    embedder.DefaultConfig(),
		Discovery:    discovery.DefaultConfig(),
		VectorIndex:  vectorindex.DefaultConfig(),
		Refresh: RefreshConfig{
			Enabled:    true,
			Interval:   refresh.DefaultInterval,
			Timeout:    refresh.DefaultTimeout,
			StaleAfter: refresh.DefaultStaleAfter,
		},
	}
}

// Load reads configuration from an optional YAML file and environment
// variables over the defaults. Environment variables take precedence over
// file values. Returns the loaded config and a slice of validation errors
// (empty if valid). A config file that cannot be read or parsed is
// returned as the only error.
func Load(configFilePath string) (*Config, []error) {
	if err := loadEnvFile(DefaultEnvFile); err != nil {
		return nil, []error{err}
	}

	cfg := Default()
	if configFilePath != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
		if err := k.Unmarshal("", cfg); err != nil {
			return nil, []error{fmt.Errorf("failed to decode config file %s: %w", configFilePath, err)}
		}
	}

	loadErrs := applyEnv(cfg)
	errs := append(loadErrs, cfg.Validate()...)
	return cfg, errs
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

func applyEnv(cfg *Config) []error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	setString(&cfg.DatabasePath, "DATABASE_PATH")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")
	collect(setInt(&cfg.PoolSize, "POOL_SIZE"))

	setString(&cfg.Embedding.Provider, "EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	setString(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	collect(setInt(&cfg.Embedding.Dimension, "EMBEDDING_DIMENSION"))
	collect(setFloat(&cfg.Embedding.RequestsPerSecond, "EMBEDDING_REQUESTS_PER_SECOND"))
	collect(setInt(&cfg.Embedding.MaxRetries, "EMBEDDING_MAX_RETRIES"))

	collect(setFloat(&cfg.Discovery.Ranking.TextWeight, "RANKING_TEXT_WEIGHT"))
	collect(setFloat(&cfg.Discovery.Ranking.VectorWeight, "RANKING_VECTOR_WEIGHT"))
	collect(setFloat(&cfg.Discovery.Ranking.SimilarityThreshold, "RANKING_SIMILARITY_THRESHOLD"))
	collect(setInt(&cfg.Discovery.CacheSize, "CACHE_SIZE"))
	collect(setDuration(&cfg.Discovery.CacheTTL, "CACHE_TTL"))

	collect(setBool(&cfg.Refresh.Enabled, "REFRESH_ENABLED"))
	collect(setDuration(&cfg.Refresh.Interval, "REFRESH_INTERVAL"))
	collect(setDuration(&cfg.Refresh.StaleAfter, "REFRESH_STALE_AFTER"))
	return errs
}

func lookup(key string) (string, bool) {
	val := os.Getenv(EnvPrefix + key)
	return val, val != ""
}

func setString(dst *string, key string) {
	if val, ok := lookup(key); ok {
		*dst = val
	}
}

func setInt(dst *int, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s%s must be a valid integer: %w", EnvPrefix, key, ErrInvalidValue)
	}
	*dst = i
	return nil
}

func setFloat(dst *float64, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("%s%s must be a valid float: %w", EnvPrefix, key, ErrInvalidValue)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s%s must be a valid duration: %w", EnvPrefix, key, ErrInvalidValue)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	val, ok := lookup(key)
	if !ok {
		return nil
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("%s%s must be a boolean: %w", EnvPrefix, key, ErrInvalidValue)
	}
	return nil
}

// Validate checks every section. Returns a slice of validation errors
// (empty if valid).
func (c *Config) Validate() []error {
	var errs []error
	if c.DatabasePath == "" {
		errs = append(errs, ErrMissingDatabasePath)
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("pool_size must be >= 0, got %d", c.PoolSize))
	}
	for _, err := range []error{c.Embedding.Validate(), c.Discovery.Validate(), c.VectorIndex.Validate()} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if c.Refresh.Enabled && (c.Refresh.Interval <= 0 || c.Refresh.Timeout <= 0) {
		errs = append(errs, errors.New("refresh interval and timeout must be > 0"))
	}
	if c.Refresh.StaleAfter < 0 {
		errs = append(errs, errors.New("refresh stale_after must be >= 0"))
	}
	return errs
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: got %q", ErrInvalidLogLevel, c.LogLevel)
}

// LogSummary returns a summary of the configuration suitable for logging.
// API keys are masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"database_path":      c.DatabasePath,
		"log_level":          c.LogLevel,
		"metrics_addr":       c.MetricsAddr,
		"embedding_provider": c.Embedding.Provider,
		"embedding_model":    c.Embedding.Model,
		"jina_api_key":       maskSecret(c.Embedding.JinaAPIKey),
		"openai_api_key":     maskSecret(c.Embedding.OpenAIAPIKey),
		"refresh_enabled":    strconv.FormatBool(c.Refresh.Enabled),
		"refresh_interval":   c.Refresh.Interval.String(),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters.
// Secrets shorter than 8 characters are fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}
