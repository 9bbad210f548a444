// Package policy implements the top-level governance decision: refuse or
// allow a proposed action given current debt, inflated cost, and remaining
// budget. Refusals are fail-closed and receipted, never silently dropped; the
// engine distinguishes ordinary refusal (recoverable) from deadlock and
// bankruptcy (terminal).
package policy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/keel-labs/keel/pkg/inflation"
	"github.com/keel-labs/keel/pkg/ledger"
)

// Decision is the outcome of one governance check.
type Decision string

const (
	DecisionAllow    Decision = "ALLOW"
	DecisionRefuse   Decision = "REFUSE"
	DecisionDeadlock Decision = "DEADLOCK"
	DecisionBankrupt Decision = "BANKRUPT"
)

// Reason tags why an action was refused. Orchestrators branch on these:
// ordinary refusals are retryable with a cheaper or calibration action,
// deadlock and bankruptcy are not.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDebtBlocked Reason = "epistemic_debt_action_blocked"
	ReasonReserve     Reason = "insufficient_budget_for_epistemic_recovery"
	ReasonDeadlock    Reason = "epistemic_deadlock"
	ReasonBankruptcy  Reason = "epistemic_bankruptcy"
)

// ErrNotFinite is returned for NaN or infinite cost/budget input.
var ErrNotFinite = errors.New("policy: cost and budget must be finite numbers")

// Config holds the governance policy constants.
type Config struct {
	// DebtThreshold hard-blocks non-calibration actions when reached. A hard
	// block, not a soft cost bump, keeps the constraint legible and guaranteed.
	DebtThreshold float64 `json:"debt_threshold" yaml:"debt_threshold"`
	// Reserve is the budget floor kept affordable for later calibration,
	// preventing starvation deadlock.
	Reserve float64 `json:"reserve" yaml:"reserve"`
	// CalibrationMultiplierCap bounds inflation on calibration actions so the
	// recovery path stays affordable under heavy debt.
	CalibrationMultiplierCap float64 `json:"calibration_multiplier_cap" yaml:"calibration_multiplier_cap"`
	// BankruptcyRefusals is the consecutive-refusal count that is declared
	// terminal.
	BankruptcyRefusals int `json:"bankruptcy_refusals" yaml:"bankruptcy_refusals"`
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		DebtThreshold:            2.0,
		Reserve:                  12.0,
		CalibrationMultiplierCap: 1.5,
		BankruptcyRefusals:       3,
	}
}

// Verdict carries one decision with the causal context captured at decision
// time, sufficient to reconstruct the trace without replaying execution.
type Verdict struct {
	Decision        Decision `json:"decision"`
	Reason          Reason   `json:"reason,omitempty"`
	ActionType      string   `json:"action_type"`
	IsCalibration   bool     `json:"is_calibration"`
	BaseCost        float64  `json:"base_cost"`
	Multiplier      float64  `json:"multiplier"`
	InflatedCost    float64  `json:"inflated_cost"`
	Debt            float64  `json:"debt"`
	BudgetRemaining float64  `json:"budget_remaining"`
	Cycle           int64    `json:"cycle"`
	Terminal        bool     `json:"terminal"`
}

// Refused reports whether the action may not proceed.
func (v Verdict) Refused() bool { return v.Decision != DecisionAllow }

// Engine evaluates proposals and tracks consecutive refusals. One session
// owns one engine.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	ledger   *ledger.Ledger
	costs    *inflation.Model
	isCal    func(string) bool
	cycle    int64
	refusals int // consecutive, reset by any allow
	receipts []Verdict
}

// New creates a governance engine. isCalibration resolves action types
// against the closed calibration set.
func New(cfg Config, l *ledger.Ledger, costs *inflation.Model, isCalibration func(string) bool) *Engine {
	return &Engine{cfg: cfg, ledger: l, costs: costs, isCal: isCalibration}
}

// ShouldRefuse runs the refusal ladder for one proposed action. Every call is
// receipted, allows included.
func (e *Engine) ShouldRefuse(actionType string, baseCost, budgetRemaining float64) (Verdict, error) {
	if math.IsNaN(baseCost) || math.IsInf(baseCost, 0) ||
		math.IsNaN(budgetRemaining) || math.IsInf(budgetRemaining, 0) {
		return Verdict{}, ErrNotFinite
	}
	if baseCost < 0 {
		return Verdict{}, fmt.Errorf("%w: base cost %v", ErrNotFinite, baseCost)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cycle++
	debt := e.ledger.TotalDebt()
	isCal := e.isCal(actionType)

	mult := e.costs.Multiplier(baseCost)
	if isCal && mult > e.cfg.CalibrationMultiplierCap {
		mult = e.cfg.CalibrationMultiplierCap
	}
	inflated := baseCost * mult

	v := Verdict{
		Decision:        DecisionAllow,
		ActionType:      actionType,
		IsCalibration:   isCal,
		BaseCost:        baseCost,
		Multiplier:      mult,
		InflatedCost:    inflated,
		Debt:            debt,
		BudgetRemaining: budgetRemaining,
		Cycle:           e.cycle,
	}

	switch {
	case debt >= e.cfg.DebtThreshold && !isCal:
		v.Decision = DecisionRefuse
		v.Reason = ReasonDebtBlocked

	case !isCal && budgetRemaining-inflated < e.cfg.Reserve:
		v.Decision = DecisionRefuse
		v.Reason = ReasonReserve

	case debt >= e.cfg.DebtThreshold && isCal && budgetRemaining < inflated:
		// No legal action can restore solvency from here.
		v.Decision = DecisionDeadlock
		v.Reason = ReasonDeadlock
		v.Terminal = true
	}

	switch v.Decision {
	case DecisionAllow:
		e.refusals = 0
	case DecisionRefuse:
		e.refusals++
		if e.refusals >= e.cfg.BankruptcyRefusals {
			// Budget and legal moves exist, but the agent systematically
			// fails to use them.
			v.Decision = DecisionBankrupt
			v.Reason = ReasonBankruptcy
			v.Terminal = true
		}
	}

	e.receipts = append(e.receipts, v)
	e.checkInvariants()
	return v, nil
}

// ConsecutiveRefusals returns the current refusal run length.
func (e *Engine) ConsecutiveRefusals() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refusals
}

// Receipts returns a copy of every verdict issued, oldest first.
func (e *Engine) Receipts() []Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Verdict, len(e.receipts))
	copy(out, e.receipts)
	return out
}

// Snapshot is the serialized policy state.
type Snapshot struct {
	Cycle               int64     `json:"cycle"`
	ConsecutiveRefusals int       `json:"consecutive_refusals"`
	Receipts            []Verdict `json:"receipts"`
}

// Snapshot captures the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	receipts := make([]Verdict, len(e.receipts))
	copy(receipts, e.receipts)
	return Snapshot{Cycle: e.cycle, ConsecutiveRefusals: e.refusals, Receipts: receipts}
}

// RestoreSnapshot replaces the engine state.
func (e *Engine) RestoreSnapshot(s Snapshot) error {
	if s.ConsecutiveRefusals < 0 || s.Cycle < 0 {
		return fmt.Errorf("policy: malformed snapshot: cycle %d, refusals %d", s.Cycle, s.ConsecutiveRefusals)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycle = s.Cycle
	e.refusals = s.ConsecutiveRefusals
	e.receipts = append([]Verdict(nil), s.Receipts...)
	return nil
}

// checkInvariants panics on broken counters. Callers hold e.mu.
func (e *Engine) checkInvariants() {
	if e.refusals < 0 {
		panic(fmt.Sprintf("policy: refusal counter invariant violated: %d", e.refusals))
	}
}
