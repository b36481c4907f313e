// Package executor defines the CommandExecutor interface, its real and
// dry-run implementations, and the shared step result types.
package executor

import (
	"context"
	"time"
)

// CommandSpec describes a single command or a pipeline to execute.
// Exactly one of Argv or Pipe is set. Dir is the working directory;
// Env is the complete environment (nil means inherit the process env).
type CommandSpec struct {
	Argv []string
	Pipe [][]string
	Dir  string
	Env  []string
}

// CommandResult holds the output of a single command or pipeline execution.
// For pipelines, ExitCode follows pipefail semantics: the rightmost
// non-zero stage's exit code, or 0 when every stage succeeded.
type CommandResult struct {
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CommandExecutor abstracts real vs dry-run command execution.
// Implementations: RealExecutor, DryRunExecutor.
type CommandExecutor interface {
	Execute(ctx context.Context, spec *CommandSpec) (*CommandResult, error)
}

// StepResult is the outcome of executing a single plan step.
// Uniform envelope for all action types, written to the trace.
type StepResult struct {
	RunID     string            `json:"run_id"`
	StepID    string            `json:"step_id"`
	StepIndex int               `json:"step_index"`
	Status    string            `json:"status"` // passed, failed, tolerated, skipped
	Action    string            `json:"action"` // run, chdir, patch, fetch
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	ExitCode  int               `json:"exit_code"`
	Attempts  int               `json:"attempts,omitempty"`
	Workdir   string            `json:"workdir,omitempty"`
	Captures  map[string]string `json:"captures,omitempty"`
	Checks    []*CheckResult    `json:"checks,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// CheckResult is the outcome of evaluating a single verify check.
type CheckResult struct {
	Type     string `json:"type"` // contains, not_contains, matches, exit_code
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
}
