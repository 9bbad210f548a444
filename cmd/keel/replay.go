package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/keel-labs/keel/pkg/audit"
	"github.com/keel-labs/keel/pkg/gate"
	"github.com/keel-labs/keel/pkg/observability"
	"github.com/keel-labs/keel/pkg/observation"
	"github.com/keel-labs/keel/pkg/session"
	"github.com/keel-labs/keel/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
)

// traceEvent is one line of a replay trace. The event field selects which of
// the remaining fields are read.
type traceEvent struct {
	Event string `json:"event"`

	// propose
	ActionType string  `json:"action_type,omitempty"`
	BaseCost   float64 `json:"base_cost,omitempty"`

	// claim / resolve
	ID           string  `json:"id,omitempty"`
	ClaimedBits  float64 `json:"claimed_bits,omitempty"`
	RealizedBits float64 `json:"realized_bits,omitempty"`

	// repay
	EvidenceQuality float64 `json:"evidence_quality,omitempty"`

	// observe
	PriorEntropy     float64 `json:"prior_entropy,omitempty"`
	PosteriorEntropy float64 `json:"posterior_entropy,omitempty"`
	Source           string  `json:"source,omitempty"`

	// escrow_open / escrow_step
	Penalty float64 `json:"penalty,omitempty"`
	Horizon int     `json:"horizon,omitempty"`
	Entropy float64 `json:"entropy,omitempty"`

	// gate
	Samples  int     `json:"samples,omitempty"`
	RelWidth float64 `json:"rel_width,omitempty"`
	Drift    bool    `json:"drift,omitempty"`
}

type replaySummary struct {
	Events       int                `json:"events"`
	Allowed      int                `json:"allowed"`
	Refused      int                `json:"refused"`
	BudgetSpent  float64            `json:"budget_spent"`
	BudgetLeft   float64            `json:"budget_left"`
	FinalDebt    float64            `json:"final_debt"`
	Statistics   session.Statistics `json:"statistics"`
	Checkpointed bool               `json:"checkpointed"`
}

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tracePath      string
		profilesDir    string
		profile        string
		checkpointPath string
		sessionID      string
		budget         float64
		resume         bool
		auditStream    bool
		jsonOutput     bool
	)
	cmd.StringVar(&tracePath, "trace", "", "Path to a JSON-lines trace, or - for stdin (REQUIRED)")
	cmd.StringVar(&profilesDir, "profiles", "profiles", "Directory containing profile_<name>.yaml files")
	cmd.StringVar(&profile, "profile", "", "Named policy profile to load instead of env")
	cmd.StringVar(&checkpointPath, "checkpoint", "", "SQLite database for audit records and checkpoints")
	cmd.StringVar(&sessionID, "session", "default", "Session id for checkpointing")
	cmd.Float64Var(&budget, "budget", 100, "Starting action budget")
	cmd.BoolVar(&resume, "resume", false, "Restore session state from the latest checkpoint first")
	cmd.BoolVar(&auditStream, "audit", false, "Echo the audit stream to stdout")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the replay summary as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tracePath == "" {
		fmt.Fprintln(stderr, "Error: --trace is required")
		cmd.Usage()
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	cfg, err := loadPolicy(profilesDir, profile)
	if err != nil {
		fmt.Fprintf(stderr, "Policy configuration invalid: %v\n", err)
		return 1
	}

	ctx := context.Background()

	// Checkpoint backend: Postgres when KEEL_DATABASE_URL is set, Redis when
	// KEEL_REDIS_ADDR is set, otherwise the SQLite path from --checkpoint.
	var (
		ckpt  store.CheckpointStore
		sinks audit.MultiSink
	)
	switch {
	case os.Getenv("KEEL_DATABASE_URL") != "":
		db, err := sql.Open("postgres", os.Getenv("KEEL_DATABASE_URL"))
		if err != nil {
			fmt.Fprintf(stderr, "Error connecting to postgres: %v\n", err)
			return 1
		}
		defer db.Close()
		ps := store.NewPostgresStore(db)
		if err := ps.Init(ctx); err != nil {
			fmt.Fprintf(stderr, "Error initializing postgres store: %v\n", err)
			return 1
		}
		ckpt = ps
		sinks = append(sinks, ps)
	case os.Getenv("KEEL_REDIS_ADDR") != "":
		rs := store.NewRedisCheckpointStore(os.Getenv("KEEL_REDIS_ADDR"), os.Getenv("KEEL_REDIS_PASSWORD"), 0)
		defer rs.Close()
		ckpt = rs
	case checkpointPath != "":
		st, err := store.OpenSQLite(checkpointPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening checkpoint store: %v\n", err)
			return 1
		}
		defer st.Close()
		ckpt = st
		sinks = append(sinks, st)
	}
	if auditStream {
		sinks = append(sinks, audit.NewWriterSink(stdout))
	}

	obsCfg := observability.DefaultConfig()
	if ep := os.Getenv("KEEL_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
		obsCfg.Enabled = true
		obsCfg.Insecure = os.Getenv("KEEL_OTLP_INSECURE") == "true"
	}
	metrics, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error initializing metrics: %v\n", err)
		return 1
	}
	defer func() { _ = metrics.Shutdown(ctx) }()

	opts := []session.Option{}
	if len(sinks) > 0 {
		opts = append(opts, session.WithAuditSink(sinks))
	}
	sess, err := session.New(cfg, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "Error creating session: %v\n", err)
		return 1
	}

	if resume {
		if ckpt == nil {
			fmt.Fprintln(stderr, "Error: --resume requires a checkpoint backend")
			return 2
		}
		doc, err := ckpt.LoadLatest(ctx, sessionID)
		switch {
		case errors.Is(err, store.ErrNoCheckpoint):
			logger.Info("no checkpoint to resume, starting fresh", "session", sessionID)
		case err != nil:
			fmt.Fprintf(stderr, "Error loading checkpoint: %v\n", err)
			return 1
		default:
			if err := sess.Restore(doc); err != nil {
				fmt.Fprintf(stderr, "Error restoring session: %v\n", err)
				return 1
			}
			logger.Info("resumed from checkpoint", "session", sessionID, "debt", sess.TotalDebt())
		}
	}

	var in io.Reader = os.Stdin
	if tracePath != "-" {
		f, err := os.Open(tracePath)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening trace: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	summary, err := replay(ctx, sess, in, budget, logger, metrics)
	if err != nil {
		fmt.Fprintf(stderr, "Replay failed: %v\n", err)
		return 1
	}

	if ckpt != nil {
		doc, err := sess.Snapshot()
		if err != nil {
			fmt.Fprintf(stderr, "Error snapshotting session: %v\n", err)
			return 1
		}
		if err := ckpt.SaveCheckpoint(ctx, sessionID, doc); err != nil {
			fmt.Fprintf(stderr, "Error saving checkpoint: %v\n", err)
			return 1
		}
		summary.Checkpointed = true
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "Replayed %d events: %d allowed, %d refused\n",
			summary.Events, summary.Allowed, summary.Refused)
		fmt.Fprintf(stdout, "Budget: %.3f spent, %.3f left\n", summary.BudgetSpent, summary.BudgetLeft)
		fmt.Fprintf(stdout, "Debt:   %.3f bits\n", summary.FinalDebt)
	}
	return 0
}

// replay drives the session through the trace. A refused propose skips no
// subsequent events; the trace author decides what the agent does with a
// refusal.
func replay(ctx context.Context, sess *session.Session, in io.Reader, budget float64, logger *slog.Logger, metrics *observability.Provider) (replaySummary, error) {
	sum := replaySummary{BudgetLeft: budget}
	start := budget

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev traceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return sum, fmt.Errorf("line %d: %w", line, err)
		}
		sum.Events++

		switch ev.Event {
		case "propose":
			v, err := sess.ShouldRefuse(ev.ActionType, ev.BaseCost, budget)
			if err != nil {
				return sum, fmt.Errorf("line %d: propose: %w", line, err)
			}
			metrics.RecordDecision(ctx, v)
			if v.Refused() {
				sum.Refused++
				logger.Info("refused", "action", ev.ActionType,
					"decision", string(v.Decision), "reason", string(v.Reason))
			} else {
				sum.Allowed++
				budget -= v.InflatedCost
				logger.Debug("allowed", "action", ev.ActionType, "inflated_cost", v.InflatedCost)
			}
		case "claim":
			if _, err := sess.Claim(ev.ID, ev.ActionType, ev.ClaimedBits); err != nil {
				return sum, fmt.Errorf("line %d: claim: %w", line, err)
			}
			metrics.RecordClaim(ctx, ev.ActionType)
		case "resolve":
			inc, err := sess.Resolve(ev.ID, ev.RealizedBits)
			if err != nil {
				return sum, fmt.Errorf("line %d: resolve: %w", line, err)
			}
			if inc > 0 {
				logger.Debug("debt accrued", "id", ev.ID, "increment", inc)
			}
		case "repay":
			if _, err := sess.Repay(ev.ActionType, ev.EvidenceQuality); err != nil {
				return sum, fmt.Errorf("line %d: repay: %w", line, err)
			}
		case "observe":
			res, err := sess.Observe(ev.PriorEntropy, ev.PosteriorEntropy, observation.Source(ev.Source))
			if err != nil {
				return sum, fmt.Errorf("line %d: observe: %w", line, err)
			}
			if res.Penalty > 0 {
				logger.Debug("widening priced", "penalty", res.Penalty)
			}
		case "escrow_open":
			if err := sess.OpenEscrow(ev.ID, ev.Penalty, ev.PriorEntropy, ev.Horizon); err != nil {
				return sum, fmt.Errorf("line %d: escrow_open: %w", line, err)
			}
		case "escrow_step":
			settled, total := sess.EscrowStep(ev.Entropy)
			if len(settled) > 0 {
				logger.Debug("escrow settled", "entries", len(settled), "finalized", total)
			}
		case "gate":
			tr, err := sess.GateUpdate(gate.Observation{
				Samples:  ev.Samples,
				RelWidth: ev.RelWidth,
				Drift:    ev.Drift,
			})
			if err != nil {
				return sum, fmt.Errorf("line %d: gate: %w", line, err)
			}
			if tr != nil {
				logger.Info("gate transition", "from", string(tr.From), "to", string(tr.To))
			}
		default:
			return sum, fmt.Errorf("line %d: unknown event %q", line, ev.Event)
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, err
	}

	sum.BudgetLeft = budget
	sum.BudgetSpent = start - budget
	sum.FinalDebt = sess.TotalDebt()
	sum.Statistics = sess.Statistics()
	return sum, nil
}
