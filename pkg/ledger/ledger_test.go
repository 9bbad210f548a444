package ledger

import (
	"errors"
	"math"
	"testing"
)

func TestOverclaimAccruesDebt(t *testing.T) {
	l := New(DefaultConfig())
	if _, err := l.Claim("a1", "scrna", 0.8); err != nil {
		t.Fatal(err)
	}
	inc, err := l.Resolve("a1", 0.2)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(inc-0.6) > 1e-12 {
		t.Fatalf("debt increment = %v, want 0.6", inc)
	}
	if math.Abs(l.TotalDebt()-0.6) > 1e-12 {
		t.Fatalf("total debt = %v, want 0.6", l.TotalDebt())
	}
}

func TestUnderclaimNeverReducesDebt(t *testing.T) {
	l := New(DefaultConfig())
	l.Claim("a1", "scrna", 0.8)
	l.Resolve("a1", 0.2) // debt 0.6

	l.Claim("a2", "scrna", 0.1)
	inc, err := l.Resolve("a2", 2.0)
	if err != nil {
		t.Fatal(err)
	}
	if inc != 0 {
		t.Fatalf("underclaim increment = %v, want 0", inc)
	}
	if math.Abs(l.TotalDebt()-0.6) > 1e-12 {
		t.Fatalf("total debt = %v, want unchanged 0.6", l.TotalDebt())
	}
}

func TestCostMultiplierScenario(t *testing.T) {
	// Documented scenario: debt 0.6, base cost 200, sensitivity 0.1,
	// global sensitivity 0.02 → global 1.012, specific 1.12, product ≈ 1.133.
	l := New(DefaultConfig())
	l.Claim("a1", "scrna", 0.8)
	l.Resolve("a1", 0.2)

	m := l.CostMultiplier(200)
	if math.Abs(m-1.012*1.12) > 1e-9 {
		t.Fatalf("multiplier = %v, want %v", m, 1.012*1.12)
	}
}

func TestCostMultiplierMonotonicInDebt(t *testing.T) {
	l := New(DefaultConfig())
	prev := l.CostMultiplier(50)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		l.Claim(id, "probe", 1.0)
		l.Resolve(id, 0.0)
		m := l.CostMultiplier(50)
		if m < prev {
			t.Fatalf("multiplier decreased from %v to %v as debt grew", prev, m)
		}
		prev = m
	}
}

func TestCostMultiplierMonotonicInBaseCost(t *testing.T) {
	l := New(DefaultConfig())
	l.Claim("a1", "probe", 1.0)
	l.Resolve("a1", 0.0)
	if l.CostMultiplier(10) > l.CostMultiplier(100) {
		t.Fatal("multiplier must be non-decreasing in base cost under positive debt")
	}
}

func TestGlobalTierAppliesToFreeActions(t *testing.T) {
	// The "farm debt with the cheapest action" exploit: even a zero-cost
	// action must feel debt pressure through the global tier.
	l := New(DefaultConfig())
	l.Claim("a1", "probe", 2.0)
	l.Resolve("a1", 0.0)
	if m := l.CostMultiplier(0); m <= 1.0 {
		t.Fatalf("zero-cost multiplier = %v, want > 1.0", m)
	}
}

func TestDuplicateClaimRejected(t *testing.T) {
	l := New(DefaultConfig())
	l.Claim("a1", "probe", 1.0)
	if _, err := l.Claim("a1", "probe", 0.5); !errors.Is(err, ErrDuplicateClaim) {
		t.Fatalf("expected ErrDuplicateClaim, got %v", err)
	}
}

func TestResolvedIDMayBeReclaimed(t *testing.T) {
	l := New(DefaultConfig())
	l.Claim("a1", "probe", 1.0)
	l.Resolve("a1", 1.0)
	if _, err := l.Claim("a1", "probe", 0.5); err != nil {
		t.Fatalf("re-claim of resolved id failed: %v", err)
	}
}

func TestResolveUnknownAndDouble(t *testing.T) {
	l := New(DefaultConfig())
	if _, err := l.Resolve("ghost", 0.1); !errors.Is(err, ErrUnknownClaim) {
		t.Fatalf("expected ErrUnknownClaim, got %v", err)
	}
	l.Claim("a1", "probe", 1.0)
	l.Resolve("a1", 0.5)
	if _, err := l.Resolve("a1", 0.5); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestMalformedNumbersRejected(t *testing.T) {
	l := New(DefaultConfig())
	if _, err := l.Claim("a1", "probe", math.NaN()); !errors.Is(err, ErrNotFinite) {
		t.Fatalf("expected ErrNotFinite on NaN claim, got %v", err)
	}
	l.Claim("a2", "probe", 1.0)
	if _, err := l.Resolve("a2", math.Inf(1)); !errors.Is(err, ErrNotFinite) {
		t.Fatalf("expected ErrNotFinite on Inf resolve, got %v", err)
	}
}

func TestRepayOnlyForCalibration(t *testing.T) {
	l := New(DefaultConfig())
	if _, err := l.Repay("scrna", 0.9); !errors.Is(err, ErrRepayNotCalibration) {
		t.Fatalf("expected ErrRepayNotCalibration, got %v", err)
	}
}

func TestRepayFloorAndCap(t *testing.T) {
	l := New(DefaultConfig())
	l.Claim("a1", "probe", 5.0)
	l.Resolve("a1", 0.0) // debt 5

	amt, err := l.Repay("calibration", 0.0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(amt-0.25) > 1e-12 {
		t.Fatalf("zero-quality repay = %v, want floor 0.25", amt)
	}

	amt, err = l.Repay("calibration", 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(amt-1.0) > 1e-12 {
		t.Fatalf("full-quality repay = %v, want cap 1.0", amt)
	}
	if math.Abs(l.TotalDebt()-3.75) > 1e-12 {
		t.Fatalf("total debt = %v, want 3.75", l.TotalDebt())
	}
}

func TestRepayNeverOverdraws(t *testing.T) {
	l := New(DefaultConfig())
	l.Claim("a1", "probe", 0.1)
	l.Resolve("a1", 0.0) // debt 0.1

	amt, err := l.Repay("calibration", 1.0)
	if err != nil {
		t.Fatal(err)
	}
	// The earned amount is reported in full; the debt floor is separate.
	if math.Abs(amt-1.0) > 1e-12 {
		t.Fatalf("repay = %v, want full earned amount 1.0", amt)
	}
	if l.TotalDebt() != 0 {
		t.Fatalf("total debt = %v, want 0", l.TotalDebt())
	}
	// Only the retired debt counts toward the repaid aggregate.
	if s := l.Statistics(); math.Abs(s.TotalRepaid-0.1) > 1e-12 {
		t.Fatalf("total repaid = %v, want 0.1", s.TotalRepaid)
	}
}

func TestRepayQualityRange(t *testing.T) {
	l := New(DefaultConfig())
	if _, err := l.Repay("calibration", 1.5); !errors.Is(err, ErrQualityRange) {
		t.Fatalf("expected ErrQualityRange, got %v", err)
	}
}

func TestTypeWeightScalesOverclaim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TypeWeights = map[string]float64{"risky": 2.0}
	l := New(cfg)
	l.Claim("a1", "risky", 1.0)
	inc, _ := l.Resolve("a1", 0.0)
	if math.Abs(inc-2.0) > 1e-12 {
		t.Fatalf("weighted increment = %v, want 2.0", inc)
	}
}

func TestAbandonedClaimExcludedFromStats(t *testing.T) {
	l := New(DefaultConfig())
	l.Claim("kept", "probe", 1.0)
	l.Resolve("kept", 0.4)
	l.Claim("abandoned", "probe", 9.0) // orchestrator aborted mid-cycle

	s := l.Statistics()
	if s.Outstanding != 1 || s.Resolved != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if math.Abs(s.TotalClaimed-1.0) > 1e-12 {
		t.Fatalf("abandoned claim leaked into realized-gain stats: %+v", s)
	}
	// The abandoned claim never blocks a different id.
	if _, err := l.Claim("next", "probe", 0.2); err != nil {
		t.Fatalf("abandoned claim blocked an unrelated id: %v", err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	l := New(DefaultConfig())
	l.Claim("a1", "scrna", 0.8)
	l.Resolve("a1", 0.2)
	l.Claim("a2", "probe", 1.5)
	l.Repay("calibration", 0.5)

	data, err := l.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	restored := New(DefaultConfig())
	if err := restored.Deserialize(data); err != nil {
		t.Fatal(err)
	}

	if restored.TotalDebt() != l.TotalDebt() {
		t.Fatalf("restored debt %v != %v", restored.TotalDebt(), l.TotalDebt())
	}
	if restored.CostMultiplier(200) != l.CostMultiplier(200) {
		t.Fatal("restored multiplier differs")
	}
	// The outstanding claim survives and still blocks its id.
	if _, err := restored.Claim("a2", "probe", 1.0); !errors.Is(err, ErrDuplicateClaim) {
		t.Fatalf("expected ErrDuplicateClaim after restore, got %v", err)
	}
	// And resolving it behaves identically.
	incA, _ := l.Resolve("a2", 0.5)
	incB, _ := restored.Resolve("a2", 0.5)
	if incA != incB {
		t.Fatalf("post-restore resolve diverged: %v vs %v", incA, incB)
	}
}

func TestRestoreRejectsResolvedClaimWithoutRealizedBits(t *testing.T) {
	l := New(DefaultConfig())
	err := l.RestoreSnapshot(Snapshot{
		TotalDebt: 0.5,
		Claims: []Claim{
			{ID: "a1", ActionType: "probe", ClaimedBits: 1.0, Resolved: true, DebtIncrement: 0.5},
		},
	})
	if err == nil {
		t.Fatal("expected restore to reject resolved claim without realized bits")
	}
	// The rejected document left no state behind; statistics stay readable.
	s := l.Statistics()
	if s.Claims != 0 || s.TotalDebt != 0 {
		t.Fatalf("rejected restore mutated state: %+v", s)
	}

	bad := math.NaN()
	err = l.RestoreSnapshot(Snapshot{Claims: []Claim{
		{ID: "a1", ClaimedBits: 1.0, RealizedBits: &bad, Resolved: true},
	}})
	if !errors.Is(err, ErrNotFinite) {
		t.Fatalf("expected ErrNotFinite for NaN realized bits, got %v", err)
	}
}
