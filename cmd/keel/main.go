package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/keel-labs/keel/pkg/config"
	"github.com/keel-labs/keel/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sKEEL Governor %s%s\n", ColorBold+ColorBlue, "v0.1.0", ColorReset)
	fmt.Fprintf(w, "%sClaims accrue debt. Debt inflates cost.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  keel <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "GOVERNANCE")
	printCommand(w, "replay", "Replay a decision trace through a session (--trace, --checkpoint)")
	printCommand(w, "inspect", "Print the latest checkpoint for a session (--checkpoint, --session)")

	printSection(w, "UTILITIES")
	printCommand(w, "doctor", "Validate the resolved policy configuration")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// loadPolicy resolves the policy: profile file when named, env otherwise.
func loadPolicy(profilesDir, profile string) (config.Policy, error) {
	if profile != "" {
		return config.LoadProfile(profilesDir, profile)
	}
	return config.Load()
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		profilesDir string
		profile     string
	)
	cmd.StringVar(&profilesDir, "profiles", "profiles", "Directory containing profile_<name>.yaml files")
	cmd.StringVar(&profile, "profile", "", "Named policy profile to load instead of env")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadPolicy(profilesDir, profile)
	if err != nil {
		fmt.Fprintf(stderr, "Policy configuration invalid: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error encoding policy: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}

func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		checkpointPath string
		sessionID      string
	)
	cmd.StringVar(&checkpointPath, "checkpoint", "", "Path to the SQLite checkpoint database (REQUIRED)")
	cmd.StringVar(&sessionID, "session", "default", "Session id to inspect")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if checkpointPath == "" {
		fmt.Fprintln(stderr, "Error: --checkpoint is required")
		cmd.Usage()
		return 2
	}

	st, err := store.OpenSQLite(checkpointPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening checkpoint store: %v\n", err)
		return 1
	}
	defer st.Close()

	doc, err := st.LoadLatest(context.Background(), sessionID)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading checkpoint: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(doc))
	return 0
}
