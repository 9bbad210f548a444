package session

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/keel-labs/keel/pkg/escrow"
	"github.com/keel-labs/keel/pkg/gate"
	"github.com/keel-labs/keel/pkg/ledger"
	"github.com/keel-labs/keel/pkg/observation"
	"github.com/keel-labs/keel/pkg/policy"
)

// FormatVersion identifies the snapshot document layout.
const FormatVersion = 1

//go:embed snapshot_schema.json
var snapshotSchema string

var compiledSchema = jsonschema.MustCompileString("snapshot_schema.json", snapshotSchema)

// Document is the single structured persistence layout for a session.
// Serialize → Restore must reproduce bit-identical subsequent behavior.
type Document struct {
	FormatVersion    int                       `json:"format_version"`
	Ledger           ledger.Snapshot           `json:"ledger"`
	VolatilityWindow []float64                 `json:"volatility_window"`
	StabilityWindow  []float64                 `json:"stability_window"`
	Observations     []observation.Observation `json:"observations"`
	EscrowEntries    []escrow.Entry            `json:"escrow_entries"`
	Gate             gate.Snapshot             `json:"gate"`
	Policy           policy.Snapshot           `json:"policy"`
}

// Snapshot serializes the whole session into one document.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := Document{
		FormatVersion:    FormatVersion,
		Ledger:           s.ledger.Snapshot(),
		VolatilityWindow: s.vol.Values(),
		StabilityWindow:  s.stab.Values(),
		Observations:     s.obs.Entries(),
		EscrowEntries:    s.escrow.Entries(),
		Gate:             s.gate.Snapshot(),
		Policy:           s.policy.Snapshot(),
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Restore replaces the session state from a snapshot document. The document
// is validated against the embedded schema before any component is touched,
// so a malformed document never leaves the session half-restored.
func (s *Session) Restore(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("session: malformed snapshot: %w", err)
	}
	if err := compiledSchema.Validate(raw); err != nil {
		return fmt.Errorf("session: snapshot rejected by schema: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("session: malformed snapshot: %w", err)
	}
	if doc.FormatVersion != FormatVersion {
		return fmt.Errorf("session: unsupported snapshot format_version %d", doc.FormatVersion)
	}

	// Dry-run every component restore against scratch instances first, so a
	// semantically bad document fails before the live session is touched.
	if err := s.dryRun(doc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ledger.RestoreSnapshot(doc.Ledger); err != nil {
		return err
	}
	s.vol.Restore(doc.VolatilityWindow)
	s.stab.Restore(doc.StabilityWindow)
	if err := s.obs.Restore(doc.Observations); err != nil {
		return err
	}
	if err := s.escrow.Restore(doc.EscrowEntries); err != nil {
		return err
	}
	if err := s.gate.RestoreSnapshot(doc.Gate); err != nil {
		return err
	}
	return s.policy.RestoreSnapshot(doc.Policy)
}

func (s *Session) dryRun(doc Document) error {
	if err := ledger.New(s.cfg.Ledger).RestoreSnapshot(doc.Ledger); err != nil {
		return err
	}
	if err := observation.NewLog().Restore(doc.Observations); err != nil {
		return err
	}
	if err := escrow.New().Restore(doc.EscrowEntries); err != nil {
		return err
	}
	if err := gate.New(s.cfg.Gate).RestoreSnapshot(doc.Gate); err != nil {
		return err
	}
	scratch := policy.Snapshot{
		Cycle:               doc.Policy.Cycle,
		ConsecutiveRefusals: doc.Policy.ConsecutiveRefusals,
	}
	return (&policy.Engine{}).RestoreSnapshot(scratch)
}
