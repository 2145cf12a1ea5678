package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"unicode"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	// Environment variables consulted when no key is configured
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"

	DefaultJinaBaseURL = "https://api.jina.ai/v1"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	DefaultCacheSize = 10000

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// remote holds the plumbing shared by API-backed providers: the response
// cache, the request rate limiter and the retry policy.
type remote struct {
	provider  string
	model     string
	batchSize int
	cache     *Cache
	limiter   *rate.Limiter
	retry     RetryConfig
	logger    *slog.Logger
}

type callFunc func(ctx context.Context, texts []string, model string) ([]*Embedding, error)

func (r *remote) generate(ctx context.Context, req EmbeddingRequest, call callFunc) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	embs, err := r.embed(ctx, []string{req.Text}, req.Model, call)
	if err != nil {
		return nil, err
	}
	return embs[0], nil
}

func (r *remote) generateBatch(ctx context.Context, req BatchEmbeddingRequest, call callFunc) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = r.model
	}

	out := make([]*Embedding, 0, len(req.Texts))
	for lo := 0; lo < len(req.Texts); lo += r.batchSize {
		hi := min(lo+r.batchSize, len(req.Texts))
		embs, err := r.embed(ctx, req.Texts[lo:hi], model, call)
		if err != nil {
			return nil, err
		}
		out = append(out, embs...)
	}
	return &BatchEmbeddingResponse{Embeddings: out, Provider: r.provider, Model: model}, nil
}

// embed serves texts from the cache and sends the rest in a single call
func (r *remote) embed(ctx context.Context, texts []string, model string, call callFunc) ([]*Embedding, error) {
	if model == "" {
		model = r.model
	}
	out := make([]*Embedding, len(texts))
	var (
		missing []int
		pending []string
	)
	for i, text := range texts {
		if r.cache != nil {
			if emb, ok := r.cache.Get(model, ComputeHash(text)); ok {
				out[i] = emb
				continue
			}
		}
		missing = append(missing, i)
		pending = append(pending, text)
	}
	if len(pending) == 0 {
		return out, nil
	}

	embs, err := retryWithBackoff(ctx, r.retry, func() ([]*Embedding, error) {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return call(ctx, pending, model)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Warn("embedding provider unavailable",
			"provider", r.provider,
			"model", model,
			"texts", len(pending),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s: %v", ErrEmbeddingUnavailable, r.provider, err)
	}
	if len(embs) != len(pending) {
		return nil, fmt.Errorf("%w: %s returned %d embeddings for %d texts", ErrProviderFailed, r.provider, len(embs), len(pending))
	}

	for j, idx := range missing {
		emb := embs[j]
		if len(emb.Vector) == 0 {
			return nil, fmt.Errorf("%w: %s returned an empty vector", ErrProviderFailed, r.provider)
		}
		emb.Dimension = len(emb.Vector)
		emb.Provider = r.provider
		emb.Model = model
		emb.Hash = ComputeHash(texts[idx])
		if r.cache != nil {
			r.cache.Set(emb)
		}
		out[idx] = emb
	}
	return out, nil
}

// JinaProvider implements Embedder using Jina AI API
type JinaProvider struct {
	remote
	apiKey     string
	baseURL    string
	dimension  int
	httpClient *http.Client
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(cfg Config, cache *Cache, logger *slog.Logger) (*JinaProvider, error) {
	apiKey := cfg.JinaAPIKey
	if apiKey == "" {
		apiKey = os.Getenv(EnvJinaAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultJinaModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultJinaBaseURL
	}

	return &JinaProvider{
		remote:    newRemote(ProviderJina, model, cfg, cache, logger),
		apiKey:    apiKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		dimension: pick(cfg.Dimension, JinaDimension),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

func (j *JinaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return j.generate(ctx, req, j.callAPI)
}

func (j *JinaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	return j.generateBatch(ctx, req, j.callAPI)
}

func (j *JinaProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": model,
	}
	if j.dimension != JinaDimension {
		reqBody["dimensions"] = j.dimension
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, string(bodyBytes))
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	sort.Slice(apiResp.Data, func(a, b int) bool { return apiResp.Data[a].Index < apiResp.Data[b].Index })
	embeddings := make([]*Embedding, len(apiResp.Data))
	for i, data := range apiResp.Data {
		embeddings[i] = &Embedding{Vector: data.Embedding}
	}

	return embeddings, nil
}

func (j *JinaProvider) Dimension() int {
	return j.dimension
}

func (j *JinaProvider) Provider() string {
	return ProviderJina
}

func (j *JinaProvider) Model() string {
	return j.model
}

func (j *JinaProvider) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIProvider implements Embedder using the official OpenAI client
type OpenAIProvider struct {
	remote
	client    sdk.Client
	dimension int
}

// NewOpenAIProvider creates a new OpenAI embedder
func NewOpenAIProvider(cfg Config, cache *Cache, logger *slog.Logger) (*OpenAIProvider, error) {
	apiKey := cfg.OpenAIAPIKey
	if apiKey == "" {
		apiKey = os.Getenv(EnvOpenAIAPIKey)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are handled by retryWithBackoff so the rate limiter sees
		// every attempt.
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIProvider{
		remote:    newRemote(ProviderOpenAI, model, cfg, cache, logger),
		client:    sdk.NewClient(opts...),
		dimension: pick(cfg.Dimension, openAIDimension(model)),
	}, nil
}

func openAIDimension(model string) int {
	if model == "text-embedding-3-large" {
		return 3072
	}
	return OpenAIDimension
}

func (o *OpenAIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return o.generate(ctx, req, o.callAPI)
}

func (o *OpenAIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	return o.generateBatch(ctx, req, o.callAPI)
}

func (o *OpenAIProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	params := sdk.EmbeddingNewParams{
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: sdk.EmbeddingModel(model),
	}
	if o.dimension != openAIDimension(model) {
		params.Dimensions = sdk.Int(int64(o.dimension))
	}

	res, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && !retryableStatus(apiErr.StatusCode) {
			return nil, permanent(err)
		}
		return nil, err
	}

	data := res.Data
	sort.Slice(data, func(a, b int) bool { return data[a].Index < data[b].Index })
	embeddings := make([]*Embedding, len(data))
	for i, d := range data {
		v := make([]float32, len(d.Embedding))
		for k := range v {
			v[k] = float32(d.Embedding[k])
		}
		embeddings[i] = &Embedding{Vector: v}
	}
	return embeddings, nil
}

func (o *OpenAIProvider) Dimension() int {
	return o.dimension
}

func (o *OpenAIProvider) Provider() string {
	return ProviderOpenAI
}

func (o *OpenAIProvider) Model() string {
	return o.model
}

func (o *OpenAIProvider) Close() error {
	return nil
}

func newRemote(provider, model string, cfg Config, cache *Cache, logger *slog.Logger) remote {
	if logger == nil {
		logger = slog.Default()
	}
	r := remote{
		provider:  provider,
		model:     model,
		batchSize: pick(cfg.BatchSize, DefaultBatchSize),
		cache:     cache,
		retry:     cfg.retryConfig(),
		logger:    logger,
	}
	if cfg.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	return r
}

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// LocalProvider is an offline embedder: a signed hashed bag of words and
// word bigrams. Texts sharing vocabulary land close together, which is
// enough for development and tests without a model.
type LocalProvider struct {
	model     string
	dimension int
}

// NewLocalProvider creates a new local embedder
func NewLocalProvider(dimension int) *LocalProvider {
	dimension = pick(dimension, LocalDimension)
	return &LocalProvider{
		model:     fmt.Sprintf("local-bow-%d", dimension),
		dimension: dimension,
	}
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Embedding{
		Vector:    l.vector(req.Text),
		Dimension: l.dimension,
		Provider:  ProviderLocal,
		Model:     l.model,
		Hash:      ComputeHash(req.Text),
	}, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) vector(text string) []float32 {
	v := make([]float32, l.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		addFeature(v, text, 1)
	}
	for i, w := range words {
		addFeature(v, w, 1)
		if i > 0 {
			addFeature(v, words[i-1]+" "+w, 0.5)
		}
	}
	return NormalizeVector(v)
}

func addFeature(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	if sum>>63 == 1 {
		weight = -weight
	}
	v[sum%uint64(len(v))] += weight
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
