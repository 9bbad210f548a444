// Package tracker provides windowed behavioral statistics: entropy volatility
// (thrashing detection) and calibration-error stability. Both operate over
// fixed-capacity ring buffers so only recent behavior matters; recent good
// behavior lowers per-step penalties but never erases historical debt.
package tracker

import (
	"fmt"
	"math"
	"sync"

	"github.com/keel-labs/keel/pkg/window"
)

// Config holds the tracker policy constants. Values come from policy
// documentation, not tuning; see config.Default.
type Config struct {
	WindowSize         int     `json:"window_size" yaml:"window_size"`
	ThrashThreshold    float64 `json:"thrash_threshold" yaml:"thrash_threshold"`
	ThrashSlope        float64 `json:"thrash_slope" yaml:"thrash_slope"`
	StabilitySharpness float64 `json:"stability_sharpness" yaml:"stability_sharpness"`
	StabilityWeight    float64 `json:"stability_weight" yaml:"stability_weight"`
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:         window.DefaultCapacity,
		ThrashThreshold:    0.25,
		ThrashSlope:        0.5,
		StabilitySharpness: 8.0,
		StabilityWeight:    0.3,
	}
}

// Volatility tracks entropy oscillation over a fixed window and detects
// thrashing: movement without net progress.
type Volatility struct {
	mu  sync.Mutex
	cfg Config
	win *window.Ring
}

// NewVolatility creates a volatility tracker.
func NewVolatility(cfg Config) *Volatility {
	return &Volatility{cfg: cfg, win: window.New(cfg.WindowSize)}
}

// Push records an entropy sample.
func (v *Volatility) Push(entropy float64) {
	if math.IsNaN(entropy) || math.IsInf(entropy, 0) {
		panic(fmt.Sprintf("tracker: non-finite entropy %v pushed into volatility window", entropy))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.win.Push(entropy)
}

// Volatility returns the population standard deviation of the window.
func (v *Volatility) Volatility() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return math.Sqrt(v.win.Variance())
}

// IsThrashing reports whether windowed volatility exceeds the threshold.
func (v *Volatility) IsThrashing() bool {
	return v.Volatility() > v.cfg.ThrashThreshold
}

// Penalty returns the per-step volatility penalty: zero below the threshold,
// linear in the excess above it.
func (v *Volatility) Penalty() float64 {
	excess := v.Volatility() - v.cfg.ThrashThreshold
	if excess <= 0 {
		return 0
	}
	return excess * v.cfg.ThrashSlope
}

// Values returns the window contents, oldest first.
func (v *Volatility) Values() []float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.win.Values()
}

// Restore replaces the window contents with a serialized history.
func (v *Volatility) Restore(values []float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.win = window.FromValues(v.cfg.WindowSize, values)
}

// Stability tracks calibration error (claimed − realized) over a fixed window.
// Erratic claiming collapses stability toward 0; an empty or perfectly
// calibrated window scores 1.
type Stability struct {
	mu  sync.Mutex
	cfg Config
	win *window.Ring
}

// NewStability creates a stability tracker.
func NewStability(cfg Config) *Stability {
	return &Stability{cfg: cfg, win: window.New(cfg.WindowSize)}
}

// Push records one claimed/realized pair as its calibration error.
func (s *Stability) Push(claimed, realized float64) {
	err := claimed - realized
	if math.IsNaN(err) || math.IsInf(err, 0) {
		panic(fmt.Sprintf("tracker: non-finite calibration error %v", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.win.Push(err)
}

// Stability returns 1/(1+sharpness·variance) ∈ (0,1].
func (s *Stability) Stability() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 1.0 / (1.0 + s.cfg.StabilitySharpness*s.win.Variance())
}

// Penalty returns the per-step instability penalty.
func (s *Stability) Penalty() float64 {
	return (1.0 - s.Stability()) * s.cfg.StabilityWeight
}

// Values returns the window contents, oldest first.
func (s *Stability) Values() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.win.Values()
}

// Restore replaces the window contents with a serialized history.
func (s *Stability) Restore(values []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.win = window.FromValues(s.cfg.WindowSize, values)
}
