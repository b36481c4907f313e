package runtime

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/instep-io/instep/pkg/assertions"
	"github.com/instep-io/instep/pkg/executor"
	"github.com/instep-io/instep/pkg/fetch"
	"github.com/instep-io/instep/pkg/patch"
	"github.com/instep-io/instep/pkg/schema"

	"gopkg.in/yaml.v3"
)

// GenerateRunID creates a run ID in format YYYYMMDDTHHmmss-xxxxxxxx, where
// the suffix is 4 random bytes hex-encoded.
func GenerateRunID() string {
	ts := time.Now().Format("20060102T150405")
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		panic(fmt.Sprintf("runtime: read random suffix: %v", err))
	}
	return fmt.Sprintf("%s-%x", ts, suffix)
}

// defaultRetryDelay is the inter-attempt pause when a retry spec omits delay.
const defaultRetryDelay = 2 * time.Second

// Confirmer decides whether an opt-in step should run. Opt-in steps are
// documented-but-disabled work (optional GPL components, manual-only
// installs) that only execute with explicit consent.
type Confirmer interface {
	Confirm(step schema.Step) (bool, error)
}

// AutoConfirmer answers every opt-in prompt the same way. Used for
// --yes runs (true) and dry runs (false).
type AutoConfirmer struct {
	Answer bool
}

func (a *AutoConfirmer) Confirm(step schema.Step) (bool, error) {
	return a.Answer, nil
}

// Engine executes an installation plan sequentially, fail-fast.
type Engine struct {
	Plan     *schema.Plan
	State    *RunState
	Executor executor.CommandExecutor
	Confirm  Confirmer
	Trace    *TraceWriter
	BaseDir  string // <workdir>/.instep/runs/<run_id>/
	PlanPath string

	environ    []string // process env snapshot, taken once at engine creation
	stepCounts StepsSummary
	failed     *FailedStep
}

// NewEngine creates a new engine for executing a plan. workdir is the
// initial working directory ("" means the process cwd); chdir steps mutate
// it for subsequent steps, but run artifacts stay anchored at the initial
// directory.
func NewEngine(plan *schema.Plan, exec executor.CommandExecutor, confirm Confirmer, mode, workdir string) (*Engine, error) {
	if workdir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workdir = cwd
	}
	workdir, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	runID := GenerateRunID()
	baseDir := filepath.Join(workdir, ".instep", "runs", runID)
	if err := os.MkdirAll(filepath.Join(baseDir, "snapshots"), 0755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	trace, err := NewTraceWriter(filepath.Join(baseDir, "trace.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("create trace writer: %w", err)
	}
	if err := trace.WriteMarker("run_started", runID); err != nil {
		return nil, err
	}

	vars := make(map[string]string)
	for k, v := range plan.Meta.Vars {
		vars[k] = v
	}

	state := &RunState{
		RunID:     runID,
		Mode:      mode,
		StartedAt: time.Now(),
		Workdir:   workdir,
		Vars:      vars,
		Captures:  make(map[string]string),
		Env:       envSnapshot(),
	}

	return &Engine{
		Plan:     plan,
		State:    state,
		Executor: exec,
		Confirm:  confirm,
		Trace:    trace,
		BaseDir:  baseDir,
		environ:  os.Environ(),
	}, nil
}

// envSnapshot captures the process environment as a map for guard evaluation.
func envSnapshot() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	return env
}

// Run executes the plan's steps in order, halting on the first fatal failure.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Trace.Close()

	total := len(e.Plan.Steps)
	for i := e.State.CurrentStepIndex; i < total; i++ {
		e.State.CurrentStepIndex = i
		step := e.Plan.Steps[i]

		// Evaluate when: guard — skip step silently if condition is false.
		if step.When != "" {
			matched, err := e.evalGuard(step.When)
			if err != nil {
				return fmt.Errorf("step %q when: %w", step.ID, err)
			}
			if !matched {
				fmt.Printf("\n⊘ Step %d/%d: %s [%s] — skipped (when: %s → false)\n",
					i+1, total, stepTitle(step), step.ID, step.When)
				if err := e.recordSkip(i, step, "guard evaluated false"); err != nil {
					return err
				}
				continue
			}
		}

		// Opt-in steps run only with explicit consent.
		if step.OptIn {
			ok, err := e.Confirm.Confirm(step)
			if err != nil {
				return fmt.Errorf("step %q confirm: %w", step.ID, err)
			}
			if !ok {
				fmt.Printf("\n⊘ Step %d/%d: %s [%s] — skipped (opt-in, not confirmed)\n",
					i+1, total, stepTitle(step), step.ID)
				if err := e.recordSkip(i, step, "opt-in step not confirmed"); err != nil {
					return err
				}
				continue
			}
		}

		fmt.Printf("\n▶ Step %d/%d: %s [%s]\n", i+1, total, stepTitle(step), step.ID)

		result := e.executeStep(ctx, i, step)

		// Tolerated failures are logged but never fatal.
		if result.Status == "failed" && step.ContinueOnError {
			result.Status = "tolerated"
		}

		if err := e.record(result); err != nil {
			return fmt.Errorf("step %q: %w", step.ID, err)
		}
		for k, v := range result.Captures {
			e.State.Captures[k] = v
		}

		switch result.Status {
		case "failed":
			e.stepCounts.Failed++
			e.stepCounts.Total++
			command := stepCommand(step)
			fmt.Printf("  ✗ Step %q failed: %s\n", step.ID, result.Error)
			fmt.Printf("  Artifacts: %s\n", e.BaseDir)
			fmt.Printf("  Resume with: instep run <plan> --resume %s\n", e.State.RunID)
			e.failed = &FailedStep{Index: i, StepID: step.ID, Command: command, ExitCode: result.ExitCode}
			return &StepError{
				StepIndex: i,
				StepID:    step.ID,
				Command:   command,
				ExitCode:  result.ExitCode,
				Reason:    result.Error,
			}
		case "tolerated":
			e.stepCounts.Tolerated++
			e.stepCounts.Total++
			fmt.Printf("  ⚠ Step %q failed (tolerated): %s\n", step.ID, result.Error)
		case "skipped":
			e.stepCounts.Skipped++
			e.stepCounts.Total++
			fmt.Printf("  ⊘ Step %q skipped: %s\n", step.ID, result.Error)
		default:
			e.stepCounts.Passed++
			e.stepCounts.Total++
			fmt.Printf("  ✓ Step %q passed\n", step.ID)
		}
	}

	fmt.Printf("\n✓ Plan completed (%d steps: %d passed, %d skipped, %d tolerated)\n",
		e.stepCounts.Total, e.stepCounts.Passed, e.stepCounts.Skipped, e.stepCounts.Tolerated)
	fmt.Printf("  Artifacts: %s\n", e.BaseDir)
	return nil
}

// recordSkip traces and snapshots a step that never executed.
func (e *Engine) recordSkip(index int, step schema.Step, reason string) error {
	now := time.Now()
	result := &executor.StepResult{
		RunID:     e.State.RunID,
		StepID:    step.ID,
		StepIndex: index,
		Status:    "skipped",
		Action:    stepAction(step),
		StartedAt: now,
		EndedAt:   now,
		Workdir:   e.State.Workdir,
		Error:     reason,
	}
	e.stepCounts.Skipped++
	e.stepCounts.Total++
	if err := e.record(result); err != nil {
		return fmt.Errorf("step %q: %w", step.ID, err)
	}
	return nil
}

// record writes the trace event, appends history and saves a snapshot.
func (e *Engine) record(result *executor.StepResult) error {
	if err := e.Trace.Write(result); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	e.State.History = append(e.State.History, result)
	if err := SaveSnapshot(e.State, SnapshotPath(e.BaseDir, result.StepIndex)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// executeStep runs a single step: precondition probe, then the action,
// wrapped in the step's retry policy.
func (e *Engine) executeStep(ctx context.Context, index int, step schema.Step) *executor.StepResult {
	result := &executor.StepResult{
		RunID:     e.State.RunID,
		StepID:    step.ID,
		StepIndex: index,
		Action:    stepAction(step),
		StartedAt: time.Now(),
		Workdir:   e.State.Workdir,
		Captures:  make(map[string]string),
	}
	defer func() { result.EndedAt = time.Now() }()

	// Precondition: if the probe succeeds and skip_if_satisfied is set,
	// the step is already done — auto-skip (idempotent re-runs).
	if p := step.Precondition; p != nil && p.SkipIfSatisfied && len(p.Check) > 0 {
		spec := &executor.CommandSpec{Argv: p.Check, Dir: e.State.Workdir, Env: e.environ}
		probe, err := e.Executor.Execute(ctx, spec)
		if err == nil && probe.ExitCode == 0 {
			msg := p.Message
			if msg == "" {
				msg = fmt.Sprintf("precondition satisfied: %s", strings.Join(p.Check, " "))
			}
			result.Status = "skipped"
			result.Error = msg
			return result
		}
	}

	attempts, delay := e.retryPolicy(step)
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		result.Status = ""
		result.Error = ""
		result.ExitCode = 0
		result.Checks = nil

		e.executeAction(ctx, step, result)
		if result.Status != "failed" {
			break
		}
		if attempt < attempts {
			fmt.Printf("  ⟳ attempt %d/%d failed (%s), retrying in %s\n",
				attempt, attempts, result.Error, delay)
			select {
			case <-ctx.Done():
				result.Error = fmt.Sprintf("retry interrupted: %v", ctx.Err())
				return result
			case <-time.After(delay):
			}
		} else if attempts > 1 {
			result.Error = fmt.Sprintf("all %d attempts failed: %s", attempts, result.Error)
		}
	}
	return result
}

// executeAction dispatches on the step's action type.
func (e *Engine) executeAction(ctx context.Context, step schema.Step, result *executor.StepResult) {
	switch {
	case step.Run != nil:
		e.executeRunStep(ctx, step, result)
	case step.Chdir != "":
		e.executeChdirStep(step, result)
	case step.Patch != nil:
		e.executePatchStep(step, result)
	case step.Fetch != nil:
		e.executeFetchStep(ctx, step, result)
	default:
		result.Status = "failed"
		result.ExitCode = 1
		result.Error = "step has no action"
	}
}

// executeRunStep executes a command or pipeline with the current context.
func (e *Engine) executeRunStep(ctx context.Context, step schema.Step, result *executor.StepResult) {
	if timeout := e.stepTimeout(step); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	spec := &executor.CommandSpec{
		Argv: step.Run.Argv,
		Pipe: step.Run.Pipe,
		Dir:  e.State.Workdir,
		Env:  e.commandEnv(step.Run.Env),
	}

	cmdResult, err := e.Executor.Execute(ctx, spec)
	if err != nil {
		result.Status = "failed"
		result.ExitCode = 1
		result.Error = fmt.Sprintf("execute: %v", err)
		return
	}
	result.ExitCode = cmdResult.ExitCode

	stdout := string(cmdResult.Stdout)
	stderr := string(cmdResult.Stderr)
	for name, source := range step.Capture {
		switch source {
		case "stdout":
			result.Captures[name] = strings.TrimSpace(stdout)
		case "stderr":
			result.Captures[name] = strings.TrimSpace(stderr)
		}
	}

	// An explicit exit_code check replaces the implicit non-zero-fails rule,
	// so a step can assert an expected non-zero exit. Dry runs return
	// placeholder output, not real output, so verify checks are not
	// evaluated against it.
	explicitExit := false
	allPassed := true
	if e.State.Mode != "dry-run" {
		for _, c := range step.Verify {
			if c.ExitCode != nil {
				explicitExit = true
			}
			cr := assertions.Evaluate(c, stdout, cmdResult.ExitCode)
			result.Checks = append(result.Checks, cr)
			if !cr.Passed {
				allPassed = false
			}
		}
	}

	switch {
	case !allPassed:
		result.Status = "failed"
		result.Error = "one or more verify checks failed"
	case !explicitExit && cmdResult.ExitCode != 0:
		result.Status = "failed"
		result.Error = fmt.Sprintf("exited with code %d: %s", cmdResult.ExitCode, lastLine(stderr))
	default:
		result.Status = "passed"
	}
}

// executeChdirStep mutates the working directory for all subsequent steps.
func (e *Engine) executeChdirStep(step schema.Step, result *executor.StepResult) {
	target := step.Chdir
	if !filepath.IsAbs(target) {
		target = filepath.Join(e.State.Workdir, target)
	}

	// Dry runs don't create directories, so only probe in real mode.
	if e.State.Mode == "real" {
		info, err := os.Stat(target)
		if err != nil {
			result.Status = "failed"
			result.ExitCode = 1
			result.Error = fmt.Sprintf("chdir: %v", err)
			return
		}
		if !info.IsDir() {
			result.Status = "failed"
			result.ExitCode = 1
			result.Error = fmt.Sprintf("chdir: %s is not a directory", target)
			return
		}
	}

	e.State.Workdir = target
	result.Workdir = target
	result.Status = "passed"
	fmt.Printf("  → workdir: %s\n", target)
}

// executePatchStep applies a versioned text-substitution patch.
func (e *Engine) executePatchStep(step schema.Step, result *executor.StepResult) {
	if e.State.Mode == "dry-run" {
		fmt.Printf("  [dry-run] would patch: %s (%d substitutions)\n",
			step.Patch.File, len(step.Patch.Substitutions))
		result.Status = "passed"
		return
	}

	res, err := patch.Apply(step.Patch, e.State.Workdir)
	if err != nil {
		result.Status = "failed"
		result.ExitCode = 1
		result.Error = fmt.Sprintf("patch: %v", err)
		return
	}
	if res.Status == patch.AlreadyApplied {
		result.Status = "skipped"
		result.Error = fmt.Sprintf("patch already applied to %s", res.File)
		return
	}
	result.Status = "passed"
}

// executeFetchStep downloads a file, verifying its checksum when pinned.
func (e *Engine) executeFetchStep(ctx context.Context, step schema.Step, result *executor.StepResult) {
	if e.State.Mode == "dry-run" {
		fmt.Printf("  [dry-run] would fetch: %s → %s\n", step.Fetch.URL, step.Fetch.Dest)
		result.Status = "passed"
		return
	}

	if timeout := e.stepTimeout(step); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := fetch.Fetch(ctx, step.Fetch, e.State.Workdir)
	if err != nil {
		result.Status = "failed"
		result.ExitCode = 1
		result.Error = fmt.Sprintf("fetch: %v", err)
		return
	}
	if res.Status == fetch.Satisfied {
		result.Status = "skipped"
		result.Error = fmt.Sprintf("%s already present with checksum %s", res.Dest, res.SHA256)
		return
	}
	result.Status = "passed"
}

// commandEnv merges the engine's environment snapshot with step-level env.
// Step entries come last so they win over inherited variables.
func (e *Engine) commandEnv(stepEnv map[string]string) []string {
	if len(stepEnv) == 0 {
		return e.environ
	}
	env := make([]string, 0, len(e.environ)+len(stepEnv))
	env = append(env, e.environ...)
	for k, v := range stepEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// guardEnv builds the expression environment: the env snapshot under "env",
// plus plan vars and captures at the top level, plus os/arch for
// platform-conditional steps.
func (e *Engine) guardEnv() map[string]interface{} {
	data := map[string]interface{}{
		"env":  e.State.Env,
		"os":   goruntime.GOOS,
		"arch": goruntime.GOARCH,
	}
	for k, v := range e.State.Vars {
		data[k] = v
	}
	for k, v := range e.State.Captures {
		data[k] = v
	}
	return data
}

// evalGuard evaluates a guard expression using expr-lang.
// Supports clean syntax: env.GPLOK == "1", os == "linux", cuda != "", etc.
func (e *Engine) evalGuard(guard string) (bool, error) {
	guard = strings.TrimSpace(guard)
	if guard == "" {
		return true, nil // absent guard = always true
	}

	env := e.guardEnv()
	program, err := expr.Compile(guard, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile guard %q: %w", guard, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval guard %q: %w", guard, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q did not return bool (got %T: %v)", guard, output, output)
	}
	return result, nil
}

// retryPolicy resolves the retry spec for a step: step-level, then plan
// defaults, then a single attempt. Chdir and patch actions are never
// retried — re-attempting them can't change the outcome.
func (e *Engine) retryPolicy(step schema.Step) (attempts int, delay time.Duration) {
	if step.Chdir != "" || step.Patch != nil {
		return 1, 0
	}
	spec := step.Retry
	if spec == nil && e.Plan.Meta.Defaults != nil {
		spec = e.Plan.Meta.Defaults.Retry
	}
	if spec == nil || spec.Attempts < 1 {
		return 1, 0
	}
	delay = defaultRetryDelay
	if spec.Delay != "" {
		if d, err := time.ParseDuration(spec.Delay); err == nil {
			delay = d
		}
	}
	return spec.Attempts, delay
}

// stepTimeout returns the timeout for a step, falling back to plan defaults.
func (e *Engine) stepTimeout(step schema.Step) time.Duration {
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil {
			return d
		}
	}
	if e.Plan.Meta.Defaults != nil && e.Plan.Meta.Defaults.Timeout != "" {
		if d, err := time.ParseDuration(e.Plan.Meta.Defaults.Timeout); err == nil {
			return d
		}
	}
	return 0 // no timeout
}

// BuildManifest produces a RunManifest from the current engine state.
func (e *Engine) BuildManifest() *RunManifest {
	return &RunManifest{
		RunID:        e.State.RunID,
		Plan:         e.PlanPath,
		Mode:         e.State.Mode,
		StartedAt:    e.State.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:      time.Now().UTC().Format(time.RFC3339),
		Workdir:      e.State.Workdir,
		StepsSummary: e.stepCounts,
		Failed:       e.failed,
	}
}

// WriteManifest writes run.yaml to the run artifacts directory.
func (e *Engine) WriteManifest() error {
	m := e.BuildManifest()
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(e.BaseDir, "run.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// GetRunID returns the current run ID.
func (e *Engine) GetRunID() string {
	return e.State.RunID
}

// GetBaseDir returns the run artifacts directory.
func (e *Engine) GetBaseDir() string {
	return e.BaseDir
}

// stepAction names the step's action for traces and summaries.
func stepAction(step schema.Step) string {
	switch {
	case step.Run != nil:
		return "run"
	case step.Chdir != "":
		return "chdir"
	case step.Patch != nil:
		return "patch"
	case step.Fetch != nil:
		return "fetch"
	}
	return "unknown"
}

// stepCommand renders the command line of a run step, or "" for other actions.
func stepCommand(step schema.Step) string {
	if step.Run == nil {
		return ""
	}
	return executor.FormatSpec(&executor.CommandSpec{Argv: step.Run.Argv, Pipe: step.Run.Pipe})
}

// stepTitle falls back to the step ID when no title is set.
func stepTitle(step schema.Step) string {
	if step.Title != "" {
		return step.Title
	}
	return step.ID
}

// lastLine returns the final non-empty line of s, for compact error display.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
