package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTrace(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"keel", "frobnicate"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestReplayFullCycle(t *testing.T) {
	trace := writeTrace(t, []string{
		`{"event":"propose","action_type":"probe","base_cost":5}`,
		`{"event":"claim","id":"a1","action_type":"probe","claimed_bits":2.0}`,
		`{"event":"resolve","id":"a1","realized_bits":1.4}`,
		`{"event":"observe","prior_entropy":3.0,"posterior_entropy":3.5,"source":"ambiguous"}`,
		`{"event":"escrow_open","id":"a1","penalty":0.5,"prior_entropy":3.5,"horizon":1}`,
		`{"event":"escrow_step","entropy":3.2}`,
		`{"event":"gate","samples":50,"rel_width":0.2}`,
	})

	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "replay", "--trace", trace, "--json"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, errOut.String())
	}

	var sum replaySummary
	if err := json.Unmarshal(out.Bytes(), &sum); err != nil {
		t.Fatalf("summary not JSON: %v\noutput: %s", err, out.String())
	}
	if sum.Events != 7 {
		t.Fatalf("events = %d, want 7", sum.Events)
	}
	if sum.Allowed != 1 || sum.Refused != 0 {
		t.Fatalf("allowed/refused = %d/%d", sum.Allowed, sum.Refused)
	}
	// Overclaim of 0.6 bits at unit weight.
	if sum.FinalDebt < 0.599 || sum.FinalDebt > 0.601 {
		t.Fatalf("final debt = %v", sum.FinalDebt)
	}
}

func TestReplayCheckpointAndResume(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "keel.db")
	first := writeTrace(t, []string{
		`{"event":"claim","id":"a1","action_type":"probe","claimed_bits":2.0}`,
		`{"event":"resolve","id":"a1","realized_bits":1.0}`,
	})

	var out, errOut bytes.Buffer
	code := Run([]string{"keel", "replay", "--trace", first, "--checkpoint", dbPath, "--json"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("first replay: exit %d, stderr: %s", code, errOut.String())
	}
	var sum replaySummary
	if err := json.Unmarshal(out.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if !sum.Checkpointed {
		t.Fatal("first replay did not checkpoint")
	}

	// The resumed session must carry the accrued debt forward.
	second := writeTrace(t, []string{
		`{"event":"claim","id":"a2","action_type":"probe","claimed_bits":1.5}`,
		`{"event":"resolve","id":"a2","realized_bits":1.5}`,
	})
	out.Reset()
	errOut.Reset()
	code = Run([]string{"keel", "replay", "--trace", second, "--checkpoint", dbPath, "--resume", "--json"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("second replay: exit %d, stderr: %s", code, errOut.String())
	}
	if err := json.Unmarshal(out.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.FinalDebt < 0.999 || sum.FinalDebt > 1.001 {
		t.Fatalf("resumed debt = %v, want 1.0", sum.FinalDebt)
	}

	// Inspect prints the stored document.
	out.Reset()
	errOut.Reset()
	code = Run([]string{"keel", "inspect", "--checkpoint", dbPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("inspect: exit %d, stderr: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"total_debt"`) {
		t.Fatalf("inspect output missing ledger: %s", out.String())
	}
}

func TestReplayRejectsMalformedTrace(t *testing.T) {
	trace := writeTrace(t, []string{`{"event":"warp"}`})
	var out, errOut bytes.Buffer
	if code := Run([]string{"keel", "replay", "--trace", trace}, &out, &errOut); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "unknown event") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestDoctorPrintsResolvedPolicy(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := Run([]string{"keel", "doctor"}, &out, &errOut); code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, errOut.String())
	}
	var resolved map[string]any
	if err := json.Unmarshal(out.Bytes(), &resolved); err != nil {
		t.Fatalf("doctor output not JSON: %v", err)
	}
}
