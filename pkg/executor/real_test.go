package executor

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shell commands")
	}
}

// TestRunSingleCapturesOutput verifies stdout capture and zero exit.
func TestRunSingleCapturesOutput(t *testing.T) {
	skipOnWindows(t)
	r := &RealExecutor{}
	res, err := r.Execute(context.Background(), &CommandSpec{Argv: []string{"echo", "hello"}})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "hello" {
		t.Errorf("stdout = %q, want hello", got)
	}
}

// TestRunSingleNonZeroExit verifies a failing command reports its exit code
// without an error.
func TestRunSingleNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	r := &RealExecutor{}
	res, err := r.Execute(context.Background(), &CommandSpec{Argv: []string{"sh", "-c", "exit 42"}})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", res.ExitCode)
	}
}

// TestRunSingleCommandNotFound verifies a missing executable is an error,
// not a non-zero exit.
func TestRunSingleCommandNotFound(t *testing.T) {
	skipOnWindows(t)
	r := &RealExecutor{}
	if _, err := r.Execute(context.Background(), &CommandSpec{Argv: []string{"definitely-not-a-command-xyz"}}); err == nil {
		t.Fatal("Execute succeeded for missing command, want error")
	}
}

// TestRunSingleHonorsDirAndEnv verifies working directory and environment
// from the spec reach the child process.
func TestRunSingleHonorsDirAndEnv(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	r := &RealExecutor{}

	res, err := r.Execute(context.Background(), &CommandSpec{Argv: []string{"pwd"}, Dir: dir})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != dir {
		t.Errorf("pwd = %q, want %q", got, dir)
	}

	res, err = r.Execute(context.Background(), &CommandSpec{
		Argv: []string{"sh", "-c", "echo $INSTEP_PROBE"},
		Env:  []string{"INSTEP_PROBE=value"},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "value" {
		t.Errorf("env probe = %q, want value", got)
	}
}

// TestPipelineConnectsStages verifies stdout of one stage feeds the next.
func TestPipelineConnectsStages(t *testing.T) {
	skipOnWindows(t)
	r := &RealExecutor{}
	res, err := r.Execute(context.Background(), &CommandSpec{Pipe: [][]string{
		{"echo", "alpha beta"},
		{"tr", "a-z", "A-Z"},
	}})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "ALPHA BETA" {
		t.Errorf("stdout = %q, want ALPHA BETA", got)
	}
}

// TestPipelinePipefailRightmost verifies the rightmost failing stage's exit
// code wins, matching set -o pipefail.
func TestPipelinePipefailRightmost(t *testing.T) {
	skipOnWindows(t)
	r := &RealExecutor{}
	res, err := r.Execute(context.Background(), &CommandSpec{Pipe: [][]string{
		{"sh", "-c", "exit 3"},
		{"sh", "-c", "cat >/dev/null; exit 5"},
	}})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.ExitCode != 5 {
		t.Errorf("exit code = %d, want 5 (rightmost non-zero)", res.ExitCode)
	}
}

// TestPipelineEarlyStageFailurePropagates verifies a failure anywhere in
// the chain surfaces even when later stages succeed.
func TestPipelineEarlyStageFailurePropagates(t *testing.T) {
	skipOnWindows(t)
	r := &RealExecutor{}
	res, err := r.Execute(context.Background(), &CommandSpec{Pipe: [][]string{
		{"sh", "-c", "echo partial; exit 3"},
		{"cat"},
	}})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "partial" {
		t.Errorf("stdout = %q, want partial", got)
	}
}

// TestPipelineDownstreamExitDoesNotHang verifies an early-exiting consumer
// doesn't deadlock the producer.
func TestPipelineDownstreamExitDoesNotHang(t *testing.T) {
	skipOnWindows(t)
	r := &RealExecutor{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Execute(context.Background(), &CommandSpec{Pipe: [][]string{
			{"sh", "-c", "yes x 2>/dev/null | head -c 100000"},
			{"head", "-n", "1"},
		}})
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline hung after downstream stage exited")
	}
}

// TestContextTimeoutKillsCommand verifies a timed-out command reports a
// non-zero exit instead of blocking.
func TestContextTimeoutKillsCommand(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	r := &RealExecutor{}
	res, err := r.Execute(ctx, &CommandSpec{Argv: []string{"sleep", "10"}})
	if err != nil {
		return // killed-by-signal reported as error is also acceptable
	}
	if res.ExitCode == 0 {
		t.Error("exit code = 0 for timed-out command, want non-zero")
	}
}

// TestDryRunExecutorRecordsWithoutRunning verifies dry-run placeholder output.
func TestDryRunExecutorRecordsWithoutRunning(t *testing.T) {
	d := &DryRunExecutor{}
	res, err := d.Execute(context.Background(), &CommandSpec{Argv: []string{"rm", "-rf", "/important"}})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.ExitCode != 0 || string(res.Stdout) != "<dry-run>" {
		t.Errorf("result = {%q %d}, want placeholder with exit 0", res.Stdout, res.ExitCode)
	}
	if len(d.Commands) != 1 || d.Commands[0] != "rm -rf /important" {
		t.Errorf("recorded commands = %v", d.Commands)
	}
}

// TestFormatSpec covers argv and pipeline rendering.
func TestFormatSpec(t *testing.T) {
	if got := FormatSpec(&CommandSpec{Argv: []string{"echo", "hi"}}); got != "echo hi" {
		t.Errorf("FormatSpec argv = %q", got)
	}
	got := FormatSpec(&CommandSpec{Pipe: [][]string{{"cat", "f"}, {"wc", "-l"}}})
	if got != "cat f | wc -l" {
		t.Errorf("FormatSpec pipe = %q", got)
	}
}
