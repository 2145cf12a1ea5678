package ranking

import (
	"fmt"

	"github.com/dshills/contribrank/pkg/types"
)

// Default hybrid ranking parameters.
const (
	DefaultTextWeight          = 0.3
	DefaultVectorWeight        = 0.7
	DefaultSimilarityThreshold = 0.05
	DefaultBatchSize           = 256

	// reasonEpsilon is the smallest weighted contribution reported as a reason.
	reasonEpsilon = 0.01
)

// Config controls how lexical and vector scores are blended.
//
// Combined relevance = TextWeight*lexical + VectorWeight*vector, clamped to
// [0,1]. Results scoring below SimilarityThreshold are dropped.
type Config struct {
	TextWeight          float64 `koanf:"text_weight"`
	VectorWeight        float64 `koanf:"vector_weight"`
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	// BatchSize is the number of candidates scored between cancellation
	// checks. Zero selects DefaultBatchSize.
	BatchSize int `koanf:"batch_size"`
}

// DefaultConfig returns the default ranking configuration.
func DefaultConfig() Config {
	return Config{
		TextWeight:          DefaultTextWeight,
		VectorWeight:        DefaultVectorWeight,
		SimilarityThreshold: DefaultSimilarityThreshold,
		BatchSize:           DefaultBatchSize,
	}
}

// Validate rejects negative weights, an all-zero weighting, and a
// threshold outside [0,1].
func (c Config) Validate() error {
	if c.TextWeight < 0 || c.VectorWeight < 0 {
		return fmt.Errorf("%w: weights must be >= 0 (text=%v, vector=%v)", types.ErrInvalidWeights, c.TextWeight, c.VectorWeight)
	}
	if c.TextWeight == 0 && c.VectorWeight == 0 {
		return fmt.Errorf("%w: text and vector weights are both zero", types.ErrInvalidWeights)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return types.Validationf("similarity threshold %v outside [0,1]", c.SimilarityThreshold)
	}
	if c.BatchSize < 0 {
		return types.Validationf("batch size must be >= 0, got %d", c.BatchSize)
	}
	return nil
}

func (c Config) batchSize() int {
	if c.BatchSize == 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}
