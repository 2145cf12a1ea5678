package vectorindex

import (
	"errors"
	"fmt"

	"github.com/dshills/contribrank/pkg/types"
)

// Config tunes the HNSW graph.
type Config struct {
	// M is the number of links per node on upper layers; layer 0 allows 2*M.
	M int `koanf:"m"`
	// EfConstruction is the candidate list size used while inserting.
	EfConstruction int `koanf:"ef_construction"`
	// EfSearch is the minimum candidate list size used while querying.
	// The effective value is max(EfSearch, k).
	EfSearch int `koanf:"ef_search"`
	// ExactThreshold switches queries to a brute-force scan while the
	// index holds fewer vectors than this.
	ExactThreshold int `koanf:"exact_threshold"`
	// Seed drives level assignment so graphs are reproducible.
	Seed uint64 `koanf:"seed"`
	// Dimension fixes the vector size. Zero adopts the size of the first
	// vector inserted.
	Dimension int `koanf:"dimension"`
}

// DefaultConfig returns the default graph parameters.
func DefaultConfig() Config {
	return Config{
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		ExactThreshold: 256,
		Seed:           42,
	}
}

// Validate checks that all parameters are usable.
func (c Config) Validate() error {
	var errs []error
	if c.M < 2 {
		errs = append(errs, fmt.Errorf("M must be >= 2, got %d", c.M))
	}
	if c.EfConstruction < c.M {
		errs = append(errs, fmt.Errorf("ef_construction must be >= M, got %d", c.EfConstruction))
	}
	if c.EfSearch < 1 {
		errs = append(errs, fmt.Errorf("ef_search must be >= 1, got %d", c.EfSearch))
	}
	if c.ExactThreshold < 0 {
		errs = append(errs, fmt.Errorf("exact_threshold must be >= 0, got %d", c.ExactThreshold))
	}
	if c.Dimension < 0 {
		errs = append(errs, fmt.Errorf("dimension must be >= 0, got %d", c.Dimension))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: vector index config: %w", types.ErrValidation, errors.Join(errs...))
	}
	return nil
}
