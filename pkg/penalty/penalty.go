// Package penalty prices uncertainty increases. Identical numeric widenings
// are punished differently by cause: contradictory evidence costs three times
// ambiguous evidence, and structural widening from the prior is free.
package penalty

import (
	"errors"
	"math"

	"github.com/keel-labs/keel/pkg/observation"
	"github.com/keel-labs/keel/pkg/tracker"
)

// ErrNotFinite is returned for NaN or infinite entropy input.
var ErrNotFinite = errors.New("penalty: entropy must be a finite number")

// Config holds the penalty policy constants.
type Config struct {
	// Weight scales the entropy-widening penalty.
	Weight float64 `json:"weight" yaml:"weight"`
	// ShrinkK is the horizon-shrinkage exponent.
	ShrinkK float64 `json:"shrink_k" yaml:"shrink_k"`
	// SourceMultipliers prices widening by cause.
	SourceMultipliers map[observation.Source]float64 `json:"source_multipliers" yaml:"source_multipliers"`
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		Weight:  1.0,
		ShrinkK: 0.15,
		SourceMultipliers: map[observation.Source]float64{
			observation.SourcePrior:         0,
			observation.SourceNarrowing:     0,
			observation.SourceAmbiguous:     1,
			observation.SourceContradictory: 3,
		},
	}
}

// Engine computes per-cycle penalties by combining the source-weighted
// widening charge with the volatility tracker's thrashing penalty.
type Engine struct {
	cfg Config
	vol *tracker.Volatility
}

// New creates a penalty engine sharing the session's volatility tracker.
func New(cfg Config, vol *tracker.Volatility) *Engine {
	return &Engine{cfg: cfg, vol: vol}
}

// EntropyPenalty charges for a widening from prior to posterior entropy.
// Narrowing or flat transitions are free for every source.
func (e *Engine) EntropyPenalty(prior, posterior float64, source observation.Source) (float64, error) {
	if math.IsNaN(prior) || math.IsInf(prior, 0) || math.IsNaN(posterior) || math.IsInf(posterior, 0) {
		return 0, ErrNotFinite
	}
	if !source.Valid() {
		return 0, observation.ErrInvalidSource
	}

	delta := posterior - prior
	if delta <= 0 {
		return 0, nil
	}
	return delta * e.cfg.Weight * e.cfg.SourceMultipliers[source], nil
}

// HorizonShrinkage returns the (0,1] factor a planner multiplies into its
// remaining-step budget: exp(−k·max(0, current−baseline)).
func (e *Engine) HorizonShrinkage(current, baseline float64) float64 {
	excess := current - baseline
	if excess < 0 {
		excess = 0
	}
	return math.Exp(-e.cfg.ShrinkK * excess)
}

// TotalPenalty combines the widening charge with the current volatility
// penalty.
func (e *Engine) TotalPenalty(prior, posterior float64, source observation.Source) (float64, error) {
	ep, err := e.EntropyPenalty(prior, posterior, source)
	if err != nil {
		return 0, err
	}
	return ep + e.vol.Penalty(), nil
}
