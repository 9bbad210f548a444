package observability

import (
	"context"
	"testing"

	"github.com/keel-labs/keel/pkg/policy"
)

func TestDisabledProviderIsUsable(t *testing.T) {
	p, err := New(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	// All record paths must be safe no-ops when disabled.
	p.RecordClaim(context.Background(), "probe")
	p.RecordDecision(context.Background(), policy.Verdict{
		Decision:   policy.DecisionRefuse,
		Reason:     policy.ReasonDebtBlocked,
		Multiplier: 1.2,
		Debt:       2.5,
	})
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultConfigDisabled(t *testing.T) {
	if DefaultConfig().Enabled {
		t.Fatal("telemetry must be opt-in")
	}
}
