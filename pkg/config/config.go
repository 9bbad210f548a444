// Package config gathers every named policy constant of the governance engine
// in one place. The numeric values are policy, taken from the source
// documentation, not assumed optimal: deployments override them via a YAML
// profile or environment variables rather than editing call sites.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/keel-labs/keel/pkg/gate"
	"github.com/keel-labs/keel/pkg/ledger"
	"github.com/keel-labs/keel/pkg/observation"
	"github.com/keel-labs/keel/pkg/penalty"
	"github.com/keel-labs/keel/pkg/policy"
	"github.com/keel-labs/keel/pkg/tracker"
)

// ErrInvalid wraps all config validation failures.
var ErrInvalid = errors.New("config: invalid policy value")

// Policy aggregates the per-component configurations.
type Policy struct {
	Ledger     ledger.Config  `json:"ledger" yaml:"ledger"`
	Tracker    tracker.Config `json:"tracker" yaml:"tracker"`
	Penalty    penalty.Config `json:"penalty" yaml:"penalty"`
	Gate       gate.Config    `json:"gate" yaml:"gate"`
	Governance policy.Config  `json:"governance" yaml:"governance"`
}

// Default returns the documented policy defaults.
func Default() Policy {
	return Policy{
		Ledger:     ledger.DefaultConfig(),
		Tracker:    tracker.DefaultConfig(),
		Penalty:    penalty.DefaultConfig(),
		Gate:       gate.DefaultConfig(),
		Governance: policy.DefaultConfig(),
	}
}

// Load returns the defaults with environment overrides applied.
// Only the knobs an operator plausibly adjusts in deployment are exposed;
// everything else is profile territory.
func Load() (Policy, error) {
	p := Default()

	var err error
	if p.Governance.DebtThreshold, err = envFloat("KEEL_DEBT_THRESHOLD", p.Governance.DebtThreshold); err != nil {
		return Policy{}, err
	}
	if p.Governance.Reserve, err = envFloat("KEEL_RESERVE", p.Governance.Reserve); err != nil {
		return Policy{}, err
	}
	if p.Ledger.RepayCap, err = envFloat("KEEL_REPAY_CAP", p.Ledger.RepayCap); err != nil {
		return Policy{}, err
	}
	if p.Tracker.WindowSize, err = envInt("KEEL_WINDOW_SIZE", p.Tracker.WindowSize); err != nil {
		return Policy{}, err
	}
	if p.Gate.DFMin, err = envInt("KEEL_GATE_DF_MIN", p.Gate.DFMin); err != nil {
		return Policy{}, err
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return f, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return n, nil
}

// Validate rejects non-finite or structurally impossible policy values.
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"ledger.sensitivity":                    p.Ledger.Sensitivity,
		"ledger.global_sensitivity":             p.Ledger.GlobalSensitivity,
		"ledger.repay_cap":                      p.Ledger.RepayCap,
		"ledger.repay_floor":                    p.Ledger.RepayFloor,
		"tracker.thrash_threshold":              p.Tracker.ThrashThreshold,
		"tracker.thrash_slope":                  p.Tracker.ThrashSlope,
		"tracker.stability_sharpness":           p.Tracker.StabilitySharpness,
		"tracker.stability_weight":              p.Tracker.StabilityWeight,
		"penalty.weight":                        p.Penalty.Weight,
		"penalty.shrink_k":                      p.Penalty.ShrinkK,
		"gate.enter_width":                      p.Gate.EnterWidth,
		"gate.exit_width":                       p.Gate.ExitWidth,
		"governance.debt_threshold":             p.Governance.DebtThreshold,
		"governance.reserve":                    p.Governance.Reserve,
		"governance.calibration_multiplier_cap": p.Governance.CalibrationMultiplierCap,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s = %v", ErrInvalid, name, v)
		}
	}

	if p.Tracker.WindowSize <= 0 {
		return fmt.Errorf("%w: tracker.window_size = %d", ErrInvalid, p.Tracker.WindowSize)
	}
	if p.Gate.DFMin < 1 || p.Gate.StreakK < 1 {
		return fmt.Errorf("%w: gate df_min %d / streak_k %d", ErrInvalid, p.Gate.DFMin, p.Gate.StreakK)
	}
	if p.Gate.ExitWidth <= p.Gate.EnterWidth {
		// Without hysteresis a single noisy observation would flap the gate.
		return fmt.Errorf("%w: gate exit_width %v must exceed enter_width %v",
			ErrInvalid, p.Gate.ExitWidth, p.Gate.EnterWidth)
	}
	if p.Ledger.RepayFloor > p.Ledger.RepayCap {
		return fmt.Errorf("%w: repay_floor %v exceeds repay_cap %v",
			ErrInvalid, p.Ledger.RepayFloor, p.Ledger.RepayCap)
	}
	if p.Governance.BankruptcyRefusals < 1 {
		return fmt.Errorf("%w: governance.bankruptcy_refusals = %d", ErrInvalid, p.Governance.BankruptcyRefusals)
	}
	if len(p.Ledger.CalibrationTypes) == 0 {
		// With no calibration type there is no repayment path at all.
		return fmt.Errorf("%w: ledger.calibration_types must not be empty", ErrInvalid)
	}
	for t, w := range p.Ledger.TypeWeights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: ledger.type_weights[%s] = %v", ErrInvalid, t, w)
		}
	}
	// Every source must be priced explicitly; a missing entry would silently
	// make that source free, and a negative one would reward widening.
	for _, src := range []observation.Source{
		observation.SourcePrior,
		observation.SourceNarrowing,
		observation.SourceAmbiguous,
		observation.SourceContradictory,
	} {
		m, ok := p.Penalty.SourceMultipliers[src]
		if !ok {
			return fmt.Errorf("%w: penalty.source_multipliers missing %q", ErrInvalid, src)
		}
		if math.IsNaN(m) || math.IsInf(m, 0) || m < 0 {
			return fmt.Errorf("%w: penalty.source_multipliers[%s] = %v", ErrInvalid, src, m)
		}
	}
	return nil
}
