package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/instep-io/instep/pkg/executor"
	"github.com/instep-io/instep/pkg/runtime"
	"github.com/instep-io/instep/pkg/schema"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var (
	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleFail = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func main() {
	loadDotEnv() // load .env file if present (gitignored)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets
// any variables that aren't already set in the environment.
// Lines are KEY=VALUE (or KEY="VALUE"). Comments (#) and blanks are skipped.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return // no .env file — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Don't overwrite existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "instep",
	Short: "Declarative installation plan runner",
	Long: `instep — executes ordered installation plans declared in YAML,
with guards, retries, idempotent preconditions, and resumable runs.
A failing step halts the run and instep exits with that step's exit code.`,
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [plan.yaml]",
	Short: "Validate a plan YAML file against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	plan, errs := schema.ValidateFile(args[0])
	printValidationWarnings(errs)
	if hasValidationErrors(errs) {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", countValidationErrors(errs))
		i := 0
		for _, e := range errs {
			if e.Severity == "warning" {
				continue
			}
			i++
			fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
			}
		}
		os.Exit(2)
	}
	fmt.Printf("%s %s is valid (%d steps)\n", styleOK.Render("✓"), plan.Meta.Name, len(plan.Steps))
	return nil
}

// --- run ---

var (
	runMode    string
	runResume  string
	runVars    []string
	runWorkdir string
	runYes     bool
)

var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Execute an installation plan",
	Long: `Execute a plan's steps in order, fail-fast.

Exit codes:
  0 — all steps passed, skipped, or were tolerated
  2 — plan validation failed (nothing ran)
  N — the failing step's own exit code`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	planPath := args[0]

	// Validate first
	plan, errs := schema.ValidateFile(planPath)
	printValidationWarnings(errs)
	if hasValidationErrors(errs) {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n", countValidationErrors(errs))
		for _, e := range errs {
			if e.Severity != "warning" {
				fmt.Fprintf(os.Stderr, "  [%s] %s\n", e.Phase, e.Message)
			}
		}
		os.Exit(2)
	}

	if plan.Meta.Vars == nil {
		plan.Meta.Vars = make(map[string]string)
	}
	for _, v := range runVars {
		parts := strings.SplitN(v, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid --var %q: expected key=value", v)
		}
		plan.Meta.Vars[parts[0]] = parts[1]
	}

	var exec executor.CommandExecutor
	var confirm runtime.Confirmer
	switch runMode {
	case "real":
		exec = &executor.RealExecutor{}
		if runYes {
			confirm = &runtime.AutoConfirmer{Answer: true}
		} else {
			confirm = &ReadlineConfirmer{}
		}
	case "dry-run":
		exec = &executor.DryRunExecutor{}
		// Dry runs show opt-in steps as they'd appear without consent.
		confirm = &runtime.AutoConfirmer{Answer: runYes}
	default:
		return fmt.Errorf("unknown mode: %q (expected real or dry-run)", runMode)
	}

	var engine *runtime.Engine
	var err error
	if runResume != "" {
		engine, err = runtime.ResumeEngine(plan, exec, confirm, runResume, runMode, runWorkdir)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		fmt.Printf("Resuming run %s at step %d\n", runResume, engine.State.CurrentStepIndex+1)
	} else {
		engine, err = runtime.NewEngine(plan, exec, confirm, runMode, runWorkdir)
		if err != nil {
			return fmt.Errorf("create engine: %w", err)
		}
	}
	engine.PlanPath = planPath
	engine.State.PlanPath = planPath

	fmt.Printf("Run ID: %s\n", engine.GetRunID())
	fmt.Printf("Mode: %s\n", runMode)
	fmt.Printf("Plan: %s (%d steps)\n", plan.Meta.Name, len(plan.Steps))

	runErr := engine.Run(context.Background())

	// Write run manifest (always, even on failure)
	if err := engine.WriteManifest(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write run manifest: %v\n", err)
	} else {
		fmt.Printf("  Manifest: %s\n", styleDim.Render(engine.GetBaseDir()+"/run.yaml"))
	}

	if runErr != nil {
		var stepErr *runtime.StepError
		if errors.As(runErr, &stepErr) {
			fmt.Fprintf(os.Stderr, "%s %v\n", styleFail.Render("✗"), stepErr)
			// Propagate the failing step's exit code as our own.
			code := stepErr.ExitCode
			if code == 0 {
				code = 1
			}
			os.Exit(code)
		}
		return runErr
	}
	return nil
}

// --- schema export ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema operations",
}

var schemaExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export JSON Schema to stdout",
	RunE:  runSchemaExport,
}

func runSchemaExport(cmd *cobra.Command, args []string) error {
	data, err := schema.GenerateJSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	var out json.RawMessage = data
	formatted, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(string(formatted))
	return nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("instep %s (build: %s)\n", version, commit)
	},
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "real", "Execution mode: real or dry-run")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Run ID to resume from last completed step")
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "Set a plan variable (key=value), repeatable")
	runCmd.Flags().StringVar(&runWorkdir, "workdir", "", "Initial working directory (default: current directory)")
	runCmd.Flags().BoolVar(&runYes, "yes", false, "Auto-confirm opt-in steps without prompting")

	schemaCmd.AddCommand(schemaExportCmd)

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}

// hasValidationErrors returns true if any error (non-warning) is present.
func hasValidationErrors(errs []*schema.ValidationError) bool {
	for _, e := range errs {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

// countValidationErrors counts non-warning errors.
func countValidationErrors(errs []*schema.ValidationError) int {
	n := 0
	for _, e := range errs {
		if e.Severity != "warning" {
			n++
		}
	}
	return n
}

// printValidationWarnings prints any warnings to stderr.
func printValidationWarnings(errs []*schema.ValidationError) {
	for _, e := range errs {
		if e.Severity == "warning" {
			fmt.Fprintf(os.Stderr, "%s [%s] %s\n", styleWarn.Render("  ⚠"), e.Phase, e.Message)
		}
	}
}
