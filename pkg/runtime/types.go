// Package runtime implements the sequential plan execution engine and its
// run-state types.
package runtime

import (
	"fmt"
	"time"

	"github.com/instep-io/instep/pkg/executor"
)

// RunState is the complete execution state at a point in time.
// Serialized to JSON for snapshot persistence. The environment snapshot is
// deliberately not serialized; a resumed run re-reads the process env.
type RunState struct {
	RunID            string                 `json:"run_id"`
	PlanPath         string                 `json:"plan_path"`
	Mode             string                 `json:"mode"` // real, dry-run
	StartedAt        time.Time              `json:"started_at"`
	CurrentStepIndex int                    `json:"current_step_index"`
	Workdir          string                 `json:"workdir"`
	Vars             map[string]string      `json:"vars"`
	Captures         map[string]string      `json:"captures"`
	History          []*executor.StepResult `json:"history"`
	Env              map[string]string      `json:"-"`
}

// TraceEvent is one line of the JSONL trace: a step_result carrying a
// payload, or a bare lifecycle marker (run_started, run_resumed).
type TraceEvent struct {
	Type      string               `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	RunID     string               `json:"run_id"`
	Result    *executor.StepResult `json:"result,omitempty"`
}

// RunManifest records the complete metadata for a plan execution.
// Written as run.yaml after a run completes (or fails).
type RunManifest struct {
	RunID        string      `yaml:"run_id"        json:"run_id"`
	Plan         string      `yaml:"plan"          json:"plan"`
	Mode         string      `yaml:"mode"          json:"mode"`
	StartedAt    string      `yaml:"started_at"    json:"started_at"`
	EndedAt      string      `yaml:"ended_at"      json:"ended_at"`
	Workdir      string      `yaml:"workdir"       json:"workdir"`
	StepsSummary StepsSummary `yaml:"steps_summary" json:"steps_summary"`
	Failed       *FailedStep `yaml:"failed,omitempty" json:"failed,omitempty"`
}

// FailedStep identifies the step that aborted the run.
type FailedStep struct {
	Index    int    `yaml:"index"    json:"index"`
	StepID   string `yaml:"step_id"  json:"step_id"`
	Command  string `yaml:"command,omitempty" json:"command,omitempty"`
	ExitCode int    `yaml:"exit_code" json:"exit_code"`
}

// StepsSummary counts step results by status.
type StepsSummary struct {
	Total     int `yaml:"total"     json:"total"`
	Passed    int `yaml:"passed"    json:"passed"`
	Failed    int `yaml:"failed"    json:"failed"`
	Tolerated int `yaml:"tolerated" json:"tolerated"`
	Skipped   int `yaml:"skipped"   json:"skipped"`
}

// StepError is the fatal failure of a plan step. It carries the failing
// step's exit code so the process can propagate it as its own.
type StepError struct {
	StepIndex int
	StepID    string
	Command   string
	ExitCode  int
	Reason    string
}

func (e *StepError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("step %d (%s) failed: %s: %s (exit %d)",
			e.StepIndex+1, e.StepID, e.Command, e.Reason, e.ExitCode)
	}
	return fmt.Sprintf("step %d (%s) failed: %s (exit %d)",
		e.StepIndex+1, e.StepID, e.Reason, e.ExitCode)
}
