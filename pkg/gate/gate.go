// Package gate implements the calibration trust gate: a sequential-stability
// state machine whose flag is earned only through sustained, multi-sample
// evidence and revoked with hysteresis. No single observation, however tight,
// can transition the gate.
package gate

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// State names the gate's two states.
type State string

const (
	// StateAccumulating is the initial, untrusted state.
	StateAccumulating State = "ACCUMULATING"
	// StateEarned marks sustained calibration stability.
	StateEarned State = "EARNED"
)

var (
	// ErrInvalidWidth is returned for a negative or non-finite relative width.
	ErrInvalidWidth = errors.New("gate: relative width must be a finite non-negative number")
	// ErrSampleCountShrank is returned when the reported sample count goes
	// backwards; counts only grow.
	ErrSampleCountShrank = errors.New("gate: sample count must not decrease")
)

// Config holds the gate policy constants.
type Config struct {
	// DFMin is the minimum sample count before any streak credit accrues.
	DFMin int `json:"df_min" yaml:"df_min"`
	// StreakK is the number of consecutive qualifying observations required.
	StreakK int `json:"streak_k" yaml:"streak_k"`
	// EnterWidth is the qualifying relative-width ceiling.
	EnterWidth float64 `json:"enter_width" yaml:"enter_width"`
	// ExitWidth is the revocation floor; keeping it above EnterWidth gives
	// hysteresis so one noisy observation does not revoke an earned gate.
	ExitWidth float64 `json:"exit_width" yaml:"exit_width"`
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{DFMin: 40, StreakK: 3, EnterWidth: 0.25, ExitWidth: 0.40}
}

// Observation is one externally supplied stability sample.
type Observation struct {
	Samples  int     `json:"sample_count"`
	RelWidth float64 `json:"relative_width"`
	Drift    bool    `json:"drift"`
}

// Transition records one state change, for the audit stream.
type Transition struct {
	From     State       `json:"from"`
	To       State       `json:"to"`
	Streak   int         `json:"streak_at_transition"`
	Trigger  Observation `json:"trigger"`
	Sequence int         `json:"sequence"`
}

// Gate is the per-session calibration gate.
type Gate struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	streak      int
	lastSamples int
	updates     int
	transitions []Transition
}

// New creates a gate in the accumulating state.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg, state: StateAccumulating}
}

// Update feeds one observation through the state machine and returns the
// transition it caused, if any.
func (g *Gate) Update(obs Observation) (*Transition, error) {
	if obs.RelWidth < 0 || math.IsNaN(obs.RelWidth) || math.IsInf(obs.RelWidth, 0) {
		return nil, ErrInvalidWidth
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if obs.Samples < g.lastSamples {
		return nil, fmt.Errorf("%w: %d after %d", ErrSampleCountShrank, obs.Samples, g.lastSamples)
	}
	g.lastSamples = obs.Samples
	g.updates++

	var tr *Transition
	switch g.state {
	case StateAccumulating:
		// Below the sample floor no streak accrues: a lucky low-variance
		// batch before df_min can never earn the gate.
		if obs.Samples < g.cfg.DFMin {
			g.streak = 0
			break
		}
		if obs.RelWidth <= g.cfg.EnterWidth && !obs.Drift {
			g.streak++
			if g.streak >= g.cfg.StreakK {
				tr = g.transition(StateEarned, obs)
			}
		} else {
			// No partial credit across non-consecutive stable windows.
			g.streak = 0
		}

	case StateEarned:
		if obs.RelWidth >= g.cfg.ExitWidth || obs.Drift {
			tr = g.transition(StateAccumulating, obs)
		}
	}

	g.checkInvariants()
	return tr, nil
}

// transition records a state change and resets the streak. Callers hold g.mu.
func (g *Gate) transition(to State, obs Observation) *Transition {
	tr := Transition{
		From:     g.state,
		To:       to,
		Streak:   g.streak,
		Trigger:  obs,
		Sequence: len(g.transitions) + 1,
	}
	g.state = to
	g.streak = 0
	g.transitions = append(g.transitions, tr)
	return &tr
}

// Earned reports whether the trust flag is currently held.
func (g *Gate) Earned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateEarned
}

// Current returns the state, streak, and last sample count.
func (g *Gate) Current() (State, int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.streak, g.lastSamples
}

// Transitions returns a copy of the transition history.
func (g *Gate) Transitions() []Transition {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Transition, len(g.transitions))
	copy(out, g.transitions)
	return out
}

// Snapshot is the serialized gate state.
type Snapshot struct {
	Earned      bool `json:"earned"`
	Streak      int  `json:"streak"`
	LastSamples int  `json:"last_sample_count"`
}

// Snapshot captures the current gate state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{Earned: g.state == StateEarned, Streak: g.streak, LastSamples: g.lastSamples}
}

// RestoreSnapshot replaces the gate state.
func (g *Gate) RestoreSnapshot(s Snapshot) error {
	if s.Streak < 0 || s.Streak > g.cfg.StreakK || s.LastSamples < 0 {
		return fmt.Errorf("gate: malformed snapshot: streak %d, samples %d", s.Streak, s.LastSamples)
	}
	if s.Earned && s.Streak != 0 {
		return fmt.Errorf("gate: malformed snapshot: earned with streak %d", s.Streak)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.Earned {
		g.state = StateEarned
	} else {
		g.state = StateAccumulating
	}
	g.streak = s.Streak
	g.lastSamples = s.LastSamples
	g.checkInvariants()
	return nil
}

// checkInvariants panics on broken streak bounds. Callers hold g.mu.
func (g *Gate) checkInvariants() {
	if g.streak < 0 || g.streak > g.cfg.StreakK {
		panic(fmt.Sprintf("gate: streak invariant violated: %d not in [0,%d]", g.streak, g.cfg.StreakK))
	}
	if g.state == StateEarned && g.streak != 0 {
		panic("gate: earned state must carry a zero streak")
	}
}
