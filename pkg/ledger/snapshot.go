package ledger

import (
	"encoding/json"
	"fmt"
	"math"
)

// Snapshot is the serialized form of a ledger: total debt plus the full
// ordered claim history. Serialize → Restore must reproduce bit-identical
// subsequent behavior.
type Snapshot struct {
	TotalDebt   float64 `json:"total_debt"`
	TotalRepaid float64 `json:"total_repaid"`
	Claims      []Claim `json:"claims"`
}

// Snapshot captures the current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	claims := make([]Claim, len(l.claims))
	for i, c := range l.claims {
		claims[i] = *c
	}
	return Snapshot{TotalDebt: l.totalDebt, TotalRepaid: l.repaid, Claims: claims}
}

// Serialize encodes the ledger state as JSON.
func (l *Ledger) Serialize() ([]byte, error) {
	return json.Marshal(l.Snapshot())
}

// RestoreSnapshot replaces the ledger state with a previously captured
// snapshot. The unresolved-claim index is rebuilt from the claim history.
func (l *Ledger) RestoreSnapshot(s Snapshot) error {
	if s.TotalDebt < 0 || math.IsNaN(s.TotalDebt) || math.IsInf(s.TotalDebt, 0) {
		return fmt.Errorf("%w: total_debt %v", ErrNotFinite, s.TotalDebt)
	}

	claims := make([]*Claim, len(s.Claims))
	open := make(map[string]int)
	for i := range s.Claims {
		c := s.Claims[i]
		if c.ID == "" {
			return ErrEmptyID
		}
		if err := checkFinite(c.ClaimedBits); err != nil {
			return err
		}
		if c.DebtIncrement < 0 || math.IsNaN(c.DebtIncrement) || math.IsInf(c.DebtIncrement, 0) {
			return fmt.Errorf("ledger: malformed snapshot: claim %q debt_increment %v", c.ID, c.DebtIncrement)
		}
		if c.Resolved {
			// A resolved claim without realized bits would poison every
			// statistics read after restore.
			if c.RealizedBits == nil {
				return fmt.Errorf("ledger: malformed snapshot: claim %q resolved without realized_gain_bits", c.ID)
			}
			if err := checkFinite(*c.RealizedBits); err != nil {
				return err
			}
		} else {
			if _, dup := open[c.ID]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateClaim, c.ID)
			}
			open[c.ID] = i
		}
		claims[i] = &c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalDebt = s.TotalDebt
	l.repaid = s.TotalRepaid
	l.claims = claims
	l.open = open
	return nil
}

// Deserialize restores ledger state from Serialize output.
func (l *Ledger) Deserialize(data []byte) error {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("ledger: malformed snapshot: %w", err)
	}
	return l.RestoreSnapshot(s)
}
