package embedder

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/contribrank/pkg/types"
)

// Common errors
var (
	// ErrEmbeddingUnavailable is returned once retries against a provider
	// are exhausted. Callers degrade instead of failing.
	ErrEmbeddingUnavailable = fmt.Errorf("%w: embedding provider unavailable", types.ErrDependencyUnavailable)
	ErrProviderFailed       = fmt.Errorf("%w: provider returned an unusable response", ErrEmbeddingUnavailable)
	ErrNoProviderEnabled    = fmt.Errorf("%w: no embedding provider configured", types.ErrDependencyUnavailable)

	ErrInvalidInput     = fmt.Errorf("%w: invalid embedding input", types.ErrValidation)
	ErrEmptyText        = fmt.Errorf("%w: text cannot be empty", ErrInvalidInput)
	ErrUnsupportedModel = fmt.Errorf("%w: unsupported provider or model", types.ErrValidation)
)

// Embedding represents a vector embedding with metadata
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Hash      string // hash of the source text
}

// Catalog converts e to the catalog representation stored with entities.
func (e *Embedding) Catalog() *types.Embedding {
	if e == nil {
		return nil
	}
	return &types.Embedding{Vector: e.Vector, Model: e.Model, SourceHash: e.Hash}
}

// EmbeddingRequest represents a request to generate embeddings
type EmbeddingRequest struct {
	Text  string
	Model string // Optional: override default model
}

// BatchEmbeddingRequest represents a batch request
type BatchEmbeddingRequest struct {
	Texts []string
	Model string // Optional: override default model
}

// BatchEmbeddingResponse represents a batch response
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder interface defines methods for generating embeddings
type Embedder interface {
	// GenerateEmbedding generates a single embedding for the given text
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch generates embeddings for multiple texts, in order
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	// Dimension returns the embedding dimension for this provider
	Dimension() int

	// Provider returns the provider name
	Provider() string

	// Model returns the model name
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// Cache provides in-memory LRU caching of embeddings by model and content hash
type Cache struct {
	cache *lru.Cache[string, *Embedding]
}

// NewCache creates a new embedding cache with LRU eviction
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = DefaultCacheSize
	}
	cache, err := lru.New[string, *Embedding](maxLen)
	if err != nil {
		cache, _ = lru.New[string, *Embedding](DefaultCacheSize)
	}
	return &Cache{
		cache: cache,
	}
}

func cacheKey(model, hash string) string {
	return model + ":" + hash
}

// Get retrieves a deep copy of an embedding from cache
func (c *Cache) Get(model, hash string) (*Embedding, bool) {
	emb, ok := c.cache.Get(cacheKey(model, hash))
	if !ok {
		return nil, false
	}

	vectorCopy := make([]float32, len(emb.Vector))
	copy(vectorCopy, emb.Vector)

	return &Embedding{
		Vector:    vectorCopy,
		Dimension: emb.Dimension,
		Provider:  emb.Provider,
		Model:     emb.Model,
		Hash:      emb.Hash,
	}, true
}

// Set stores a copy of an embedding in cache with automatic LRU eviction
func (c *Cache) Set(emb *Embedding) {
	stored := *emb
	stored.Vector = append([]float32(nil), emb.Vector...)
	c.cache.Add(cacheKey(emb.Model, emb.Hash), &stored)
}

// Size returns the current cache size
func (c *Cache) Size() int {
	return c.cache.Len()
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.cache.Purge()
}

// ComputeHash computes the SHA-256 hash of text. It equals the SourceHash
// the catalog expects for embeddings of text.
func ComputeHash(text string) string {
	return types.HashText(text)
}

// ValidateRequest validates an embedding request
func ValidateRequest(req EmbeddingRequest) error {
	if req.Text == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateBatchRequest validates a batch embedding request
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}

	var errs []error
	for i, text := range req.Texts {
		if text == "" {
			errs = append(errs, fmt.Errorf("text at index %d is empty", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}
