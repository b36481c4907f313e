package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/instep-io/instep/pkg/executor"
	"github.com/instep-io/instep/pkg/schema"
)

// ResumeEngine reconstructs an engine from the latest snapshot of a prior
// run. Execution continues at the step after the last recorded one, with
// the saved workdir and captures intact. mode applies to the resumed steps,
// so a failed real run can be previewed with a dry-run resume.
func ResumeEngine(plan *schema.Plan, exec executor.CommandExecutor, confirm Confirmer, runID, mode, workdir string) (*Engine, error) {
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

	baseDir := filepath.Join(workdir, ".instep", "runs", runID)
	snapPath, err := latestSnapshot(filepath.Join(baseDir, "snapshots"))
	if err != nil {
		return nil, fmt.Errorf("resume run %s: %w", runID, err)
	}

	state, err := LoadSnapshot(snapPath)
	if err != nil {
		return nil, fmt.Errorf("resume run %s: %w", runID, err)
	}
	if state.RunID != runID {
		return nil, fmt.Errorf("resume run %s: snapshot belongs to run %s", runID, state.RunID)
	}

	// The snapshot records the last recorded step. A failed step is
	// re-attempted (its history entry is discarded); anything else resumes
	// at the following step.
	if n := len(state.History); n > 0 && state.History[n-1].Status == "failed" &&
		state.History[n-1].StepIndex == state.CurrentStepIndex {
		state.History = state.History[:n-1]
	} else {
		state.CurrentStepIndex++
	}
	if state.CurrentStepIndex >= len(plan.Steps) {
		return nil, fmt.Errorf("resume run %s: all %d steps already recorded", runID, len(plan.Steps))
	}
	state.Mode = mode
	state.Env = envSnapshot()
	if state.Captures == nil {
		state.Captures = make(map[string]string)
	}

	trace, err := NewTraceWriter(filepath.Join(baseDir, "trace.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("reopen trace: %w", err)
	}
	if err := trace.WriteMarker("run_resumed", runID); err != nil {
		return nil, err
	}

	e := &Engine{
		Plan:     plan,
		State:    state,
		Executor: exec,
		Confirm:  confirm,
		Trace:    trace,
		BaseDir:  baseDir,
		PlanPath: state.PlanPath,
		environ:  os.Environ(),
	}
	e.restoreStepCounts()
	return e, nil
}

// latestSnapshot returns the snapshot file with the highest step index.
func latestSnapshot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read snapshots: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) == ".json" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no snapshots in %s", dir)
	}
	// step-NNNN.json: lexical order matches step order.
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

// restoreStepCounts rebuilds the summary counters from recorded history so
// the final manifest covers the whole run, not just the resumed tail.
func (e *Engine) restoreStepCounts() {
	for _, r := range e.State.History {
		e.stepCounts.Total++
		switch r.Status {
		case "passed":
			e.stepCounts.Passed++
		case "failed":
			e.stepCounts.Failed++
		case "tolerated":
			e.stepCounts.Tolerated++
		case "skipped":
			e.stepCounts.Skipped++
		}
	}
}
