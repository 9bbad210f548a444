// Package ledger implements the epistemic debt ledger: the append-only record
// of information-gain claims and their resolutions. Debt accrues asymmetrically
// from overclaiming only, inflates future costs through a two-tier multiplier,
// and is reduced solely by evidence-bearing repayment. There is no passive
// decay; forgiveness must be earned.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrDuplicateClaim is returned when an id already has an unresolved claim.
	ErrDuplicateClaim = errors.New("ledger: id already has an unresolved claim")
	// ErrUnknownClaim is returned when resolving an id that was never claimed.
	ErrUnknownClaim = errors.New("ledger: no claim exists for id")
	// ErrAlreadyResolved is returned when resolving a claim a second time.
	ErrAlreadyResolved = errors.New("ledger: claim already resolved")
	// ErrRepayNotCalibration is returned when repay is invoked outside a
	// calibration action context.
	ErrRepayNotCalibration = errors.New("ledger: repay is only valid for calibration action types")
	// ErrNotFinite is returned for NaN or infinite numeric input. Malformed
	// numbers are rejected loudly, never coerced.
	ErrNotFinite = errors.New("ledger: value must be a finite number")
	// ErrQualityRange is returned when evidence quality falls outside [0,1].
	ErrQualityRange = errors.New("ledger: evidence quality must be in [0,1]")
	// ErrEmptyID is returned for a claim with no identifier.
	ErrEmptyID = errors.New("ledger: claim id must not be empty")
)

// Claim records one stated expectation of information gain. Created by
// Claim(), mutated exactly once by Resolve(), immutable thereafter, retained
// forever for audit. A claim that is never resolved is a valid terminal state.
type Claim struct {
	ID            string   `json:"id"`
	ActionType    string   `json:"action_type"`
	ClaimedBits   float64  `json:"claimed_gain_bits"`
	RealizedBits  *float64 `json:"realized_gain_bits,omitempty"`
	Resolved      bool     `json:"resolved"`
	DebtIncrement float64  `json:"debt_increment"`
}

// Config holds the ledger policy constants.
type Config struct {
	// Sensitivity scales the action-specific inflation tier.
	Sensitivity float64 `json:"sensitivity" yaml:"sensitivity"`
	// GlobalSensitivity scales the global inflation tier, guaranteeing that
	// no action, however cheap, escapes debt pressure.
	GlobalSensitivity float64 `json:"global_sensitivity" yaml:"global_sensitivity"`
	// RepayCap bounds the debt repaid by one calibration action, in bits.
	RepayCap float64 `json:"repay_cap" yaml:"repay_cap"`
	// RepayFloor is earned for executing a calibration action at all.
	RepayFloor float64 `json:"repay_floor" yaml:"repay_floor"`
	// TypeWeights optionally scales the overclaim term per action type.
	// Types absent from the map weigh 1.0.
	TypeWeights map[string]float64 `json:"type_weights,omitempty" yaml:"type_weights,omitempty"`
	// CalibrationTypes is the closed set of action types allowed to repay.
	CalibrationTypes []string `json:"calibration_types" yaml:"calibration_types"`
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		Sensitivity:       0.10,
		GlobalSensitivity: 0.02,
		RepayCap:          1.0,
		RepayFloor:        0.25,
		CalibrationTypes:  []string{"calibration"},
	}
}

// IsCalibration reports whether t is a member of the calibration set.
func (c Config) IsCalibration(t string) bool {
	for _, ct := range c.CalibrationTypes {
		if t == ct {
			return true
		}
	}
	return false
}

func (c Config) typeWeight(t string) float64 {
	if w, ok := c.TypeWeights[t]; ok {
		return w
	}
	return 1.0
}

// Ledger is the per-session debt account. One agent session owns exactly one
// instance; parallel agents get independent instances.
type Ledger struct {
	mu        sync.Mutex
	cfg       Config
	totalDebt float64
	claims    []*Claim
	// open maps an id to the index of its unresolved claim, if any.
	open map[string]int
	// repaid accumulates total evidence-based repayment, for statistics.
	repaid float64
}

// New creates an empty ledger with the given policy.
func New(cfg Config) *Ledger {
	return &Ledger{cfg: cfg, open: make(map[string]int)}
}

func checkFinite(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ErrNotFinite
	}
	return nil
}

// Claim records a stated expected gain for an action before it executes.
// Claimed bits may be negative (an expected widening). An id with an
// unresolved claim cannot be claimed again; an id whose prior claims are all
// resolved may be reused.
func (l *Ledger) Claim(id, actionType string, claimedBits float64) (Claim, error) {
	if id == "" {
		return Claim{}, ErrEmptyID
	}
	if err := checkFinite(claimedBits); err != nil {
		return Claim{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.open[id]; exists {
		return Claim{}, fmt.Errorf("%w: %q", ErrDuplicateClaim, id)
	}

	c := &Claim{ID: id, ActionType: actionType, ClaimedBits: claimedBits}
	l.open[id] = len(l.claims)
	l.claims = append(l.claims, c)
	return *c, nil
}

// Resolve records the realized gain for an outstanding claim and returns the
// debt increment. Overclaiming accrues debt scaled by the per-type weight;
// underclaiming yields zero and never reduces total debt. The asymmetry is
// deliberate: conservative estimates are safe, aggressive ones must be correct.
func (l *Ledger) Resolve(id string, realizedBits float64) (float64, error) {
	if err := checkFinite(realizedBits); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx, exists := l.open[id]
	if !exists {
		for _, c := range l.claims {
			if c.ID == id {
				return 0, fmt.Errorf("%w: %q", ErrAlreadyResolved, id)
			}
		}
		return 0, fmt.Errorf("%w: %q", ErrUnknownClaim, id)
	}

	c := l.claims[idx]
	overclaim := c.ClaimedBits - realizedBits
	if overclaim < 0 {
		overclaim = 0
	}
	increment := overclaim * l.cfg.typeWeight(c.ActionType)

	realized := realizedBits
	c.RealizedBits = &realized
	c.Resolved = true
	c.DebtIncrement = increment
	delete(l.open, id)

	l.totalDebt += increment
	l.checkInvariants()
	return increment, nil
}

// Lookup returns the most recent claim for an id.
func (l *Ledger) Lookup(id string) (Claim, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.open[id]; ok {
		return *l.claims[idx], true
	}
	for i := len(l.claims) - 1; i >= 0; i-- {
		if l.claims[i].ID == id {
			return *l.claims[i], true
		}
	}
	return Claim{}, false
}

// Repay reduces total debt through an executed calibration action. The floor
// is earned for executing at all; demonstrated improvement raises the amount
// up to the cap. This is the only path that reduces debt. The returned amount
// is the full earned repayment even when debt was already below it.
func (l *Ledger) Repay(actionType string, evidenceQuality float64) (float64, error) {
	if err := checkFinite(evidenceQuality); err != nil {
		return 0, err
	}
	if evidenceQuality < 0 || evidenceQuality > 1 {
		return 0, ErrQualityRange
	}
	if !l.cfg.IsCalibration(actionType) {
		return 0, fmt.Errorf("%w: %q", ErrRepayNotCalibration, actionType)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	amount := l.cfg.RepayFloor + (l.cfg.RepayCap-l.cfg.RepayFloor)*evidenceQuality
	if amount > l.cfg.RepayCap {
		amount = l.cfg.RepayCap
	}
	// The earned amount is returned in full; debt is floored at zero, and the
	// repaid aggregate records only the debt actually retired.
	applied := amount
	if applied > l.totalDebt {
		applied = l.totalDebt
	}
	l.totalDebt -= applied
	l.repaid += applied
	l.checkInvariants()
	return amount, nil
}

// TotalDebt returns the current accumulated debt in bits.
func (l *Ledger) TotalDebt() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalDebt
}

// CostMultiplier returns the two-tier inflation multiplier for an action with
// the given base cost. The global tier applies debt pressure to every action;
// the specific tier makes expensive actions inflate faster.
func (l *Ledger) CostMultiplier(baseCost float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	global := 1.0 + l.cfg.GlobalSensitivity*l.totalDebt
	specific := 1.0 + l.cfg.Sensitivity*(baseCost/100.0)*l.totalDebt
	return global * specific
}

// Claims returns a copy of the full claim history, oldest first.
func (l *Ledger) Claims() []Claim {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Claim, len(l.claims))
	for i, c := range l.claims {
		out[i] = *c
	}
	return out
}

// Stats summarizes the ledger for the query surface. Abandoned claims are
// excluded from realized-gain aggregates.
type Stats struct {
	TotalDebt      float64 `json:"total_debt"`
	TotalRepaid    float64 `json:"total_repaid"`
	Claims         int     `json:"claims"`
	Resolved       int     `json:"resolved"`
	Outstanding    int     `json:"outstanding"`
	TotalOverclaim float64 `json:"total_overclaim"`
	TotalClaimed   float64 `json:"total_claimed_bits"`
	TotalRealized  float64 `json:"total_realized_bits"`
}

// Statistics returns aggregate ledger statistics.
func (l *Ledger) Statistics() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{TotalDebt: l.totalDebt, TotalRepaid: l.repaid, Claims: len(l.claims)}
	for _, c := range l.claims {
		if !c.Resolved {
			s.Outstanding++
			continue
		}
		s.Resolved++
		s.TotalOverclaim += c.DebtIncrement
		s.TotalClaimed += c.ClaimedBits
		s.TotalRealized += *c.RealizedBits
	}
	return s
}

// checkInvariants panics on a broken accounting contract. A silently clamped
// invariant would hide a governance bug.
func (l *Ledger) checkInvariants() {
	if l.totalDebt < 0 || math.IsNaN(l.totalDebt) || math.IsInf(l.totalDebt, 0) {
		panic(fmt.Sprintf("ledger: total debt invariant violated: %v", l.totalDebt))
	}
}
