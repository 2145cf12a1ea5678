package embedder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dshills/contribrank/pkg/types"
)

// ProviderAuto selects a provider from the configured API keys
const ProviderAuto = "auto"

// Config holds embedder configuration
type Config struct {
	Provider     string `koanf:"provider"` // auto, jina, openai or local
	Model        string `koanf:"model"`
	Dimension    int    `koanf:"dimension"` // 0 uses the model default
	JinaAPIKey   string `koanf:"jina_api_key"`
	OpenAIAPIKey string `koanf:"openai_api_key"`
	BaseURL      string `koanf:"base_url"`

	CacheSize         int           `koanf:"cache_size"`
	BatchSize         int           `koanf:"batch_size"`
	RequestsPerSecond float64       `koanf:"requests_per_second"` // 0 disables rate limiting
	Burst             int           `koanf:"burst"`
	MaxRetries        int           `koanf:"max_retries"`
	BaseDelay         time.Duration `koanf:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	Timeout           time.Duration `koanf:"timeout"`
}

// DefaultConfig returns the default embedder configuration
func DefaultConfig() Config {
	return Config{
		Provider:          ProviderAuto,
		CacheSize:         DefaultCacheSize,
		BatchSize:         DefaultBatchSize,
		RequestsPerSecond: 5,
		Burst:             5,
		MaxRetries:        MaxRetries,
		BaseDelay:         time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:          time.Duration(MaxBackoffMs) * time.Millisecond,
		Timeout:           30 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Provider) {
	case "", ProviderAuto, ProviderJina, ProviderOpenAI, ProviderLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.Dimension < 0 {
		errs = append(errs, fmt.Errorf("dimension must be >= 0, got %d", c.Dimension))
	}
	if c.BatchSize < 0 || c.BatchSize > MaxBatchSize {
		errs = append(errs, fmt.Errorf("batch size must be in [0,%d], got %d", MaxBatchSize, c.BatchSize))
	}
	if c.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("cache size must be >= 0, got %d", c.CacheSize))
	}
	if c.RequestsPerSecond < 0 || c.Burst < 0 {
		errs = append(errs, errors.New("rate limit must be >= 0"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 || c.Timeout < 0 {
		errs = append(errs, errors.New("delays and timeout must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: embedder: %w", types.ErrValidation, errors.Join(errs...))
	}
	return nil
}

func (c Config) retryConfig() RetryConfig {
	rc := DefaultRetryConfig()
	if c.MaxRetries > 0 {
		rc.MaxRetries = c.MaxRetries
	}
	if c.BaseDelay > 0 {
		rc.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		rc.MaxDelay = c.MaxDelay
	}
	return rc
}

// Option configures embedder construction
type Option func(*options)

type options struct {
	logger *slog.Logger
	cache  *Cache
}

// WithLogger sets the logger used to report provider outages
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCache shares an existing cache instead of allocating one
func WithCache(cache *Cache) Option {
	return func(o *options) { o.cache = cache }
}

// New creates an embedder for cfg. With provider "auto" (or empty) the
// provider is chosen by DetectProvider.
func New(cfg Config, opts ...Option) (Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache == nil && cfg.CacheSize > 0 {
		o.cache = NewCache(cfg.CacheSize)
	}

	switch provider := DetectProvider(cfg); provider {
	case ProviderJina:
		return NewJinaProvider(cfg, o.cache, o.logger)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg, o.cache, o.logger)
	case ProviderLocal:
		return NewLocalProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// DetectProvider returns the provider New would use for cfg.
// Priority:
//  1. An explicit provider other than auto
//  2. A Jina API key (config or JINA_API_KEY)
//  3. An OpenAI API key (config or OPENAI_API_KEY)
//  4. The local provider
func DetectProvider(cfg Config) string {
	provider := strings.ToLower(cfg.Provider)
	if provider != "" && provider != ProviderAuto {
		return provider
	}

	if cfg.JinaAPIKey != "" || os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}
	if cfg.OpenAIAPIKey != "" || os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}

	return ProviderLocal
}
