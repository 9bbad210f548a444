// Package inflation composes the ledger's two-tier debt multiplier with a
// calibration-stability surcharge into the single cost model the governance
// policy consults. Debt pressure is historical and only repayment relieves it;
// the stability surcharge reflects recent behavior and relaxes on its own as
// the window calms.
package inflation

import (
	"github.com/keel-labs/keel/pkg/ledger"
	"github.com/keel-labs/keel/pkg/tracker"
)

// Model derives inflated action costs from the debt ledger and the stability
// tracker.
type Model struct {
	ledger    *ledger.Ledger
	stability *tracker.Stability
}

// New creates a cost inflation model over the session's ledger and tracker.
func New(l *ledger.Ledger, s *tracker.Stability) *Model {
	return &Model{ledger: l, stability: s}
}

// Multiplier returns the combined inflation multiplier for a base cost:
// the global and action-specific debt tiers times the instability surcharge.
func (m *Model) Multiplier(baseCost float64) float64 {
	return m.ledger.CostMultiplier(baseCost) * (1.0 + m.stability.Penalty())
}

// InflatedCost returns the base cost under the current multiplier.
func (m *Model) InflatedCost(baseCost float64) float64 {
	return baseCost * m.Multiplier(baseCost)
}
