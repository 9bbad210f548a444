//go:build property
// +build property

package ledger

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: resolving any claim yields a non-negative debt increment, and
// underclaiming never decreases total debt.
func TestDebtIncrementNonNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("debt increment is never negative", prop.ForAll(
		func(claimed, realized float64) bool {
			l := New(DefaultConfig())
			if _, err := l.Claim("a", "probe", claimed); err != nil {
				return true // malformed input rejected is fine
			}
			before := l.TotalDebt()
			inc, err := l.Resolve("a", realized)
			if err != nil {
				return true
			}
			return inc >= 0 && l.TotalDebt() >= before
		},
		gen.Float64Range(-100, 100),
		gen.Float64Range(-100, 100),
	))

	properties.TestingRun(t)
}

// Property: the cost multiplier is non-decreasing in debt at fixed base cost,
// and non-decreasing in base cost at fixed positive debt.
func TestCostMultiplierMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("multiplier grows with debt", prop.ForAll(
		func(overclaims []float64, baseCost float64) bool {
			l := New(DefaultConfig())
			prev := l.CostMultiplier(baseCost)
			for i, oc := range overclaims {
				id := fmt.Sprintf("c%d", i)
				l.Claim(id, "probe", oc)
				l.Resolve(id, 0)
				m := l.CostMultiplier(baseCost)
				if m < prev {
					return false
				}
				prev = m
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 10)),
		gen.Float64Range(0, 1000),
	))

	properties.Property("multiplier grows with base cost under debt", prop.ForAll(
		func(debtBits, lowCost, extra float64) bool {
			l := New(DefaultConfig())
			l.Claim("a", "probe", debtBits)
			l.Resolve("a", 0)
			return l.CostMultiplier(lowCost) <= l.CostMultiplier(lowCost+extra)
		},
		gen.Float64Range(0, 50),
		gen.Float64Range(0, 500),
		gen.Float64Range(0, 500),
	))

	properties.TestingRun(t)
}

// Property: serialize → deserialize reproduces debt and multiplier exactly.
func TestSerializeRoundTripExact(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("round trip preserves behavior", prop.ForAll(
		func(claims []float64, realized []float64) bool {
			l := New(DefaultConfig())
			for i := 0; i < len(claims) && i < len(realized); i++ {
				id := fmt.Sprintf("c%d", i)
				l.Claim(id, "probe", claims[i])
				l.Resolve(id, realized[i])
			}
			data, err := l.Serialize()
			if err != nil {
				return false
			}
			restored := New(DefaultConfig())
			if err := restored.Deserialize(data); err != nil {
				return false
			}
			return restored.TotalDebt() == l.TotalDebt() &&
				restored.CostMultiplier(137) == l.CostMultiplier(137)
		},
		gen.SliceOf(gen.Float64Range(-10, 10)),
		gen.SliceOf(gen.Float64Range(-10, 10)),
	))

	properties.TestingRun(t)
}
