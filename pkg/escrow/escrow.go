// Package escrow holds provisional penalties for exploratory uncertainty
// increases. A widening is charged only if it does not pay off: each entry
// carries a settlement horizon in steps, and when the horizon elapses the
// penalty is either refunded (entropy recovered below its opening level) or
// finalized. Every opened entry settles exactly once.
package escrow

import (
	"errors"
	"math"
	"sync"
)

var (
	// ErrInvalidPenalty is returned for a negative or non-finite penalty.
	ErrInvalidPenalty = errors.New("escrow: penalty must be a finite non-negative number")
	// ErrInvalidEntropy is returned for a non-finite prior entropy.
	ErrInvalidEntropy = errors.New("escrow: prior entropy must be a finite number")
	// ErrInvalidHorizon is returned for a negative settlement horizon.
	ErrInvalidHorizon = errors.New("escrow: settlement horizon must be non-negative")
	// ErrEmptyID is returned for an entry with no action id.
	ErrEmptyID = errors.New("escrow: action id must not be empty")
)

// Entry is one provisional penalty pending settlement.
type Entry struct {
	ActionID         string  `json:"action_id"`
	Penalty          float64 `json:"penalty_amount"`
	PriorEntropy     float64 `json:"prior_entropy"`
	HorizonRemaining int     `json:"settlement_horizon_remaining"`
}

// Settlement records the outcome of one entry reaching its horizon.
type Settlement struct {
	ActionID string  `json:"action_id"`
	Amount   float64 `json:"amount"` // 0 when refunded
	Refunded bool    `json:"refunded"`
}

// Escrow holds open provisional entries for one session.
type Escrow struct {
	mu      sync.Mutex
	entries []Entry
}

// New creates an empty escrow.
func New() *Escrow {
	return &Escrow{entries: make([]Entry, 0)}
}

// Open inserts a provisional penalty entry. A horizon of zero settles on the
// next Step. Multiple entries may share an action id; they settle
// independently.
func (e *Escrow) Open(actionID string, penalty, priorEntropy float64, horizonSteps int) error {
	if actionID == "" {
		return ErrEmptyID
	}
	if penalty < 0 || math.IsNaN(penalty) || math.IsInf(penalty, 0) {
		return ErrInvalidPenalty
	}
	if math.IsNaN(priorEntropy) || math.IsInf(priorEntropy, 0) {
		return ErrInvalidEntropy
	}
	if horizonSteps < 0 {
		return ErrInvalidHorizon
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, Entry{
		ActionID:         actionID,
		Penalty:          penalty,
		PriorEntropy:     priorEntropy,
		HorizonRemaining: horizonSteps,
	})
	return nil
}

// Step advances every entry by one step and settles those whose horizon has
// elapsed: refund when current entropy dropped strictly below the entry's
// opening level, finalize otherwise. Returns the settlements and the total
// finalized amount for this call.
func (e *Escrow) Step(currentEntropy float64) ([]Settlement, float64) {
	if math.IsNaN(currentEntropy) || math.IsInf(currentEntropy, 0) {
		panic("escrow: non-finite entropy in settlement step")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var settled []Settlement
	total := 0.0
	remaining := e.entries[:0]
	for _, entry := range e.entries {
		if entry.HorizonRemaining > 0 {
			entry.HorizonRemaining--
		}
		if entry.HorizonRemaining > 0 {
			remaining = append(remaining, entry)
			continue
		}

		s := Settlement{ActionID: entry.ActionID}
		if currentEntropy < entry.PriorEntropy {
			s.Refunded = true
		} else {
			s.Amount = entry.Penalty
			total += entry.Penalty
		}
		settled = append(settled, s)
	}
	e.entries = remaining
	return settled, total
}

// Open entries remaining, for the query surface.
func (e *Escrow) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Entries returns a copy of the open entries, insertion order.
func (e *Escrow) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Entry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Restore replaces the open entries with a serialized history.
func (e *Escrow) Restore(entries []Entry) error {
	for _, entry := range entries {
		if entry.ActionID == "" {
			return ErrEmptyID
		}
		if entry.Penalty < 0 || math.IsNaN(entry.Penalty) || math.IsInf(entry.Penalty, 0) {
			return ErrInvalidPenalty
		}
		if entry.HorizonRemaining < 0 {
			return ErrInvalidHorizon
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append([]Entry(nil), entries...)
	return nil
}
