package escrow

import (
	"errors"
	"math"
	"testing"
)

func TestRefundWhenEntropyRecovers(t *testing.T) {
	e := New()
	if err := e.Open("a1", 0.9, 2.0, 3); err != nil {
		t.Fatal(err)
	}

	for step := 1; step <= 2; step++ {
		settled, total := e.Step(2.5)
		if len(settled) != 0 || total != 0 {
			t.Fatalf("step %d settled early: %v (%v)", step, settled, total)
		}
	}

	// Exactly at the horizon, entropy is below the opening level: refund.
	settled, total := e.Step(1.8)
	if total != 0 {
		t.Fatalf("refund contributed %v, want 0", total)
	}
	if len(settled) != 1 || !settled[0].Refunded || settled[0].Amount != 0 {
		t.Fatalf("unexpected settlement: %+v", settled)
	}
	if e.Pending() != 0 {
		t.Fatal("entry must be discarded after settlement")
	}
}

func TestFinalizeWhenEntropyDoesNotRecover(t *testing.T) {
	e := New()
	e.Open("a1", 0.9, 2.0, 2)

	e.Step(2.2)
	settled, total := e.Step(2.0) // equal to prior: not strictly below, finalize
	if math.Abs(total-0.9) > 1e-12 {
		t.Fatalf("finalized total = %v, want 0.9", total)
	}
	if len(settled) != 1 || settled[0].Refunded {
		t.Fatalf("unexpected settlement: %+v", settled)
	}
}

func TestSettlesExactlyOnce(t *testing.T) {
	e := New()
	e.Open("a1", 1.0, 2.0, 1)

	_, total := e.Step(3.0)
	if total != 1.0 {
		t.Fatalf("first step total = %v, want 1.0", total)
	}
	settled, total := e.Step(3.0)
	if len(settled) != 0 || total != 0 {
		t.Fatal("entry settled twice")
	}
}

func TestZeroHorizonSettlesNextStep(t *testing.T) {
	e := New()
	e.Open("a1", 0.5, 2.0, 0)
	settled, total := e.Step(2.1)
	if len(settled) != 1 || total != 0.5 {
		t.Fatalf("zero-horizon entry did not settle: %v (%v)", settled, total)
	}
}

func TestIndependentHorizons(t *testing.T) {
	e := New()
	e.Open("short", 0.3, 2.0, 1)
	e.Open("long", 0.7, 2.0, 3)

	settled, total := e.Step(2.5)
	if len(settled) != 1 || settled[0].ActionID != "short" || total != 0.3 {
		t.Fatalf("unexpected first settlement: %v (%v)", settled, total)
	}
	if e.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", e.Pending())
	}

	e.Step(2.5)
	settled, total = e.Step(1.0)
	if len(settled) != 1 || settled[0].ActionID != "long" || !settled[0].Refunded || total != 0 {
		t.Fatalf("unexpected final settlement: %v (%v)", settled, total)
	}
}

func TestOpenValidation(t *testing.T) {
	e := New()
	if err := e.Open("", 0.1, 1.0, 1); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
	if err := e.Open("a1", -0.1, 1.0, 1); !errors.Is(err, ErrInvalidPenalty) {
		t.Fatalf("expected ErrInvalidPenalty, got %v", err)
	}
	if err := e.Open("a1", math.NaN(), 1.0, 1); !errors.Is(err, ErrInvalidPenalty) {
		t.Fatalf("expected ErrInvalidPenalty on NaN, got %v", err)
	}
	if err := e.Open("a1", 0.1, 1.0, -2); !errors.Is(err, ErrInvalidHorizon) {
		t.Fatalf("expected ErrInvalidHorizon, got %v", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	e := New()
	e.Open("a1", 0.4, 2.0, 2)
	e.Open("a2", 0.6, 1.5, 4)

	restored := New()
	if err := restored.Restore(e.Entries()); err != nil {
		t.Fatal(err)
	}

	// Both instances settle identically step by step.
	for i := 0; i < 4; i++ {
		sA, tA := e.Step(1.7)
		sB, tB := restored.Step(1.7)
		if tA != tB || len(sA) != len(sB) {
			t.Fatalf("step %d diverged: %v/%v vs %v/%v", i, sA, tA, sB, tB)
		}
	}
}
