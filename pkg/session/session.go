// Package session wires one instance of every governance component into the
// per-agent decision loop. One session is owned by one agent; every mutating
// call runs as a single critical section, and each call observes the effects
// of all prior completed calls on the same instance.
//
// Canonical cycle: ShouldRefuse → Claim → (external execution) → Resolve →
// Observe → EscrowStep → GateUpdate. Aborting after Claim is legal; the
// unresolved claim is a terminal state and never blocks other ids.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/keel-labs/keel/pkg/audit"
	"github.com/keel-labs/keel/pkg/config"
	"github.com/keel-labs/keel/pkg/escrow"
	"github.com/keel-labs/keel/pkg/gate"
	"github.com/keel-labs/keel/pkg/inflation"
	"github.com/keel-labs/keel/pkg/ledger"
	"github.com/keel-labs/keel/pkg/observation"
	"github.com/keel-labs/keel/pkg/penalty"
	"github.com/keel-labs/keel/pkg/policy"
	"github.com/keel-labs/keel/pkg/tracker"
)

// Session owns the full component set for one agent.
type Session struct {
	mu sync.Mutex

	cfg       config.Policy
	ledger    *ledger.Ledger
	obs       *observation.Log
	vol       *tracker.Volatility
	stab      *tracker.Stability
	escrow    *escrow.Escrow
	penalties *penalty.Engine
	costs     *inflation.Model
	gate      *gate.Gate
	policy    *policy.Engine
	recorder  *audit.Recorder

	// auditDrops counts audit records the sink failed to append.
	auditDrops atomic.Int64
}

// Option configures a session.
type Option func(*Session)

// WithAuditSink routes the audit stream to the given sink. The default sink
// retains records in memory only.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Session) { s.recorder = audit.NewRecorder(sink) }
}

// New creates a session with its own independent component instances.
func New(cfg config.Policy, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := ledger.New(cfg.Ledger)
	vol := tracker.NewVolatility(cfg.Tracker)
	stab := tracker.NewStability(cfg.Tracker)
	costs := inflation.New(l, stab)

	s := &Session{
		cfg:       cfg,
		ledger:    l,
		obs:       observation.NewLog(),
		vol:       vol,
		stab:      stab,
		escrow:    escrow.New(),
		penalties: penalty.New(cfg.Penalty, vol),
		costs:     costs,
		gate:      gate.New(cfg.Gate),
		policy:    policy.New(cfg.Governance, l, costs, cfg.Ledger.IsCalibration),
		recorder:  audit.NewRecorder(audit.NewMemorySink()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ShouldRefuse runs the governance ladder for a proposed action and emits a
// refusal audit record when the action may not proceed.
func (s *Session) ShouldRefuse(actionType string, baseCost, budgetRemaining float64) (policy.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.policy.ShouldRefuse(actionType, baseCost, budgetRemaining)
	if err != nil {
		return policy.Verdict{}, err
	}
	if v.Refused() {
		s.record(audit.KindRefusal, actionType, v.Cycle, map[string]any{
			"decision":         string(v.Decision),
			"reason":           string(v.Reason),
			"base_cost":        v.BaseCost,
			"inflated_cost":    v.InflatedCost,
			"budget_remaining": v.BudgetRemaining,
			"is_calibration":   v.IsCalibration,
			"terminal":         v.Terminal,
		})
	}
	return v, nil
}

// Claim records a stated expected gain before execution.
func (s *Session) Claim(id, actionType string, claimedBits float64) (ledger.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.ledger.Claim(id, actionType, claimedBits)
	if err != nil {
		return ledger.Claim{}, err
	}
	s.record(audit.KindClaim, id, 0, map[string]any{
		"action_type":       actionType,
		"claimed_gain_bits": claimedBits,
	})
	return c, nil
}

// Resolve records the realized gain, accrues any overclaim debt, and feeds
// the calibration-error tracker.
func (s *Session) Resolve(id string, realizedBits float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claim, ok := s.ledger.Lookup(id)
	inc, err := s.ledger.Resolve(id, realizedBits)
	if err != nil {
		return 0, err
	}
	if ok {
		s.stab.Push(claim.ClaimedBits, realizedBits)
	}
	s.record(audit.KindResolve, id, 0, map[string]any{
		"realized_gain_bits": realizedBits,
		"debt_increment":     inc,
	})
	return inc, nil
}

// Repay reduces debt through an executed calibration action.
func (s *Session) Repay(actionType string, evidenceQuality float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	amount, err := s.ledger.Repay(actionType, evidenceQuality)
	if err != nil {
		return 0, err
	}
	s.record(audit.KindRepay, actionType, 0, map[string]any{
		"evidence_quality": evidenceQuality,
		"amount":           amount,
	})
	return amount, nil
}

// ObserveResult carries the per-cycle penalty for one entropy observation.
type ObserveResult struct {
	Observation observation.Observation
	// Penalty is the combined widening and volatility charge.
	Penalty float64
	// WideningPenalty is the source-weighted widening component alone, the
	// amount a caller would place in escrow for exploratory widening.
	WideningPenalty float64
}

// Observe records a measurement: appends to the observation log, updates the
// volatility window, and prices the transition.
func (s *Session) Observe(prior, posterior float64, source observation.Source) (ObserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs, err := s.obs.Append(posterior, source)
	if err != nil {
		return ObserveResult{}, err
	}
	widening, err := s.penalties.EntropyPenalty(prior, posterior, source)
	if err != nil {
		return ObserveResult{}, err
	}
	s.vol.Push(posterior)
	total := widening + s.vol.Penalty()

	s.record(audit.KindObservation, string(source), 0, map[string]any{
		"index":             obs.Index,
		"prior_entropy":     prior,
		"posterior_entropy": posterior,
		"penalty":           total,
	})
	return ObserveResult{Observation: obs, Penalty: total, WideningPenalty: widening}, nil
}

// OpenEscrow holds a widening penalty pending multi-step settlement.
func (s *Session) OpenEscrow(actionID string, penaltyAmount, priorEntropy float64, horizonSteps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escrow.Open(actionID, penaltyAmount, priorEntropy, horizonSteps)
}

// EscrowStep advances escrow settlement with the current entropy and returns
// the settlements plus the total finalized amount.
func (s *Session) EscrowStep(currentEntropy float64) ([]escrow.Settlement, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settled, total := s.escrow.Step(currentEntropy)
	for _, st := range settled {
		s.record(audit.KindEscrow, st.ActionID, 0, map[string]any{
			"amount":   st.Amount,
			"refunded": st.Refunded,
		})
	}
	return settled, total
}

// GateUpdate feeds one stability sample to the calibration gate.
func (s *Session) GateUpdate(obs gate.Observation) (*gate.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, err := s.gate.Update(obs)
	if err != nil {
		return nil, err
	}
	if tr != nil {
		s.record(audit.KindGate, string(tr.To), 0, map[string]any{
			"from":           string(tr.From),
			"sample_count":   obs.Samples,
			"relative_width": obs.RelWidth,
			"drift":          obs.Drift,
		})
	}
	return tr, nil
}

// HorizonShrinkage exposes the planner's remaining-step budget factor.
func (s *Session) HorizonShrinkage(current, baseline float64) float64 {
	return s.penalties.HorizonShrinkage(current, baseline)
}

// Query surface. Pure reads; safe concurrently with other reads.

// TotalDebt returns the current epistemic debt in bits.
func (s *Session) TotalDebt() float64 { return s.ledger.TotalDebt() }

// CostMultiplier returns the combined inflation multiplier for a base cost.
func (s *Session) CostMultiplier(baseCost float64) float64 { return s.costs.Multiplier(baseCost) }

// GateEarned reports whether the calibration trust flag is held.
func (s *Session) GateEarned() bool { return s.gate.Earned() }

// Statistics summarizes the session for inspection.
type Statistics struct {
	Ledger              ledger.Stats `json:"ledger"`
	Volatility          float64      `json:"volatility"`
	Thrashing           bool         `json:"thrashing"`
	Stability           float64      `json:"stability"`
	GateEarned          bool         `json:"gate_earned"`
	GateStreak          int          `json:"gate_streak"`
	EscrowPending       int          `json:"escrow_pending"`
	Observations        int          `json:"observations"`
	ConsecutiveRefusals int          `json:"consecutive_refusals"`
	AuditDropped        int64        `json:"audit_records_dropped"`
}

// Statistics returns aggregate session statistics.
func (s *Session) Statistics() Statistics {
	_, streak, _ := s.gate.Current()
	return Statistics{
		Ledger:              s.ledger.Statistics(),
		Volatility:          s.vol.Volatility(),
		Thrashing:           s.vol.IsThrashing(),
		Stability:           s.stab.Stability(),
		GateEarned:          s.gate.Earned(),
		GateStreak:          streak,
		EscrowPending:       s.escrow.Pending(),
		Observations:        s.obs.Len(),
		ConsecutiveRefusals: s.policy.ConsecutiveRefusals(),
		AuditDropped:        s.auditDrops.Load(),
	}
}

// record emits an audit entry stamped with the debt at decision time.
// Callers hold s.mu.
func (s *Session) record(kind audit.Kind, action string, cycle int64, detail map[string]any) {
	// Audit failure must not corrupt accounting state; a failing sink drops
	// the record, and the drop is counted and surfaced in Statistics.
	if err := s.recorder.Record(kind, action, cycle, s.ledger.TotalDebt(), detail); err != nil {
		s.auditDrops.Add(1)
	}
}
