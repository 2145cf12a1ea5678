package matcher

import (
	"errors"
	"fmt"

	"github.com/dshills/contribrank/pkg/types"
)

// Weights are the maximum contributions of each match term.
//
// match_score = Base*priority/100 + Skill*skillFit + Type*typeFit
//             + Time*timeFit + Tech*techOverlap, clamped to [0,1].
type Weights struct {
	Base  float64 `koanf:"base"`  // default 0.4
	Skill float64 `koanf:"skill"` // default 0.3
	Type  float64 `koanf:"type"`  // default 0.2
	Time  float64 `koanf:"time"`  // default 0.2
	Tech  float64 `koanf:"tech"`  // default 0.2
	// ReasonEpsilon is the smallest contribution reported as a reason.
	ReasonEpsilon float64 `koanf:"reason_epsilon"`
	// BatchSize is the number of candidates scored between cancellation checks.
	BatchSize int `koanf:"batch_size"`
}

// DefaultWeights returns the default matching weights.
func DefaultWeights() Weights {
	return Weights{
		Base:          0.4,
		Skill:         0.3,
		Type:          0.2,
		Time:          0.2,
		Tech:          0.2,
		ReasonEpsilon: 0.01,
		BatchSize:     256,
	}
}

// Validate checks that every weight is finite and non-negative and that at
// least one term can contribute.
func (w Weights) Validate() error {
	var errs []error
	terms := []struct {
		name string
		v    float64
	}{
		{"base", w.Base}, {"skill", w.Skill}, {"type", w.Type}, {"time", w.Time}, {"tech", w.Tech},
	}
	for _, t := range terms {
		if t.v < 0 || t.v > 1 {
			errs = append(errs, fmt.Errorf("%s weight %v outside [0,1]", t.name, t.v))
		}
	}
	if w.Base+w.Skill+w.Type+w.Time+w.Tech == 0 {
		errs = append(errs, errors.New("all weights are zero"))
	}
	if w.ReasonEpsilon < 0 {
		errs = append(errs, fmt.Errorf("reason epsilon %v < 0", w.ReasonEpsilon))
	}
	if w.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size %d < 0", w.BatchSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", types.ErrInvalidWeights, errors.Join(errs...))
	}
	return nil
}

func (w Weights) batchSize() int {
	if w.BatchSize == 0 {
		return 256
	}
	return w.BatchSize
}
