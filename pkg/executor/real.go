package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// RealExecutor runs commands via os/exec with working directory and
// environment taken from the CommandSpec.
type RealExecutor struct{}

// Execute runs a command or pipeline. On Windows, if a single command is not
// found directly it is retried through cmd.exe /C so that shell builtins
// (echo, set, …) work transparently.
func (r *RealExecutor) Execute(ctx context.Context, spec *CommandSpec) (*CommandResult, error) {
	if len(spec.Pipe) > 0 {
		return r.runPipeline(ctx, spec)
	}
	return r.runSingle(ctx, spec)
}

func (r *RealExecutor) runSingle(ctx context.Context, spec *CommandSpec) (*CommandResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	// On Windows, retry through cmd.exe when the executable is not found.
	// The entire command line is passed as a single string after /C so
	// that Go's exec doesn't add extra quoting around arguments.
	if err != nil && runtime.GOOS == "windows" && isExecNotFound(err) {
		stdout.Reset()
		stderr.Reset()
		cmdLine := spec.Argv[0]
		for _, a := range spec.Argv[1:] {
			cmdLine += " " + a
		}
		cmd = exec.CommandContext(ctx, "cmd.exe", "/C", cmdLine)
		cmd.Dir = spec.Dir
		cmd.Env = spec.Env
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err = cmd.Run()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execute command %q: %w", spec.Argv[0], err)
		}
	}

	return &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

// runPipeline executes a command chain connected stdout-to-stdin.
// Pipefail: the result exit code is the rightmost non-zero stage's code.
func (r *RealExecutor) runPipeline(ctx context.Context, spec *CommandSpec) (*CommandResult, error) {
	start := time.Now()
	n := len(spec.Pipe)

	cmds := make([]*exec.Cmd, n)
	stderrs := make([]bytes.Buffer, n)
	for i, argv := range spec.Pipe {
		cmds[i] = exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmds[i].Dir = spec.Dir
		cmds[i].Env = spec.Env
		cmds[i].Stderr = &stderrs[i]
	}

	// Wire stage i's stdout to stage i+1's stdin.
	writeEnds := make([]*io.PipeWriter, n-1)
	readEnds := make([]*io.PipeReader, n-1)
	for i := 0; i < n-1; i++ {
		pr, pw := io.Pipe()
		cmds[i].Stdout = pw
		cmds[i+1].Stdin = pr
		writeEnds[i] = pw
		readEnds[i] = pr
	}
	var stdout bytes.Buffer
	cmds[n-1].Stdout = &stdout

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			// Unblock any already-started stages before bailing out.
			for j := 0; j < i; j++ {
				if j < n-1 {
					writeEnds[j].Close()
				}
				cmds[j].Process.Kill()
				cmds[j].Wait()
			}
			return nil, fmt.Errorf("start pipeline stage %d (%q): %w", i, spec.Pipe[i][0], err)
		}
	}

	// Each stage closes its pipe ends when it exits so neighbors see
	// EOF (downstream) or a write error (upstream) instead of hanging.
	waitErrs := make([]error, n)
	var wg sync.WaitGroup
	for i := range cmds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			waitErrs[i] = cmds[i].Wait()
			if i < n-1 {
				writeEnds[i].Close()
			}
			if i > 0 {
				readEnds[i-1].Close()
			}
		}(i)
	}
	wg.Wait()

	exitCode := 0
	var allStderr bytes.Buffer
	for i := range cmds {
		allStderr.Write(stderrs[i].Bytes())
		err := waitErrs[i]
		if err == nil {
			continue
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if errors.Is(err, io.ErrClosedPipe) {
				// Downstream stage exited early; shells report this
				// as SIGPIPE on the producer.
				exitCode = 141
				continue
			}
			return nil, fmt.Errorf("pipeline stage %d (%q): %w", i, spec.Pipe[i][0], err)
		}
		// Rightmost non-zero stage wins, matching `set -o pipefail`.
		exitCode = exitErr.ExitCode()
	}

	return &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   allStderr.Bytes(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

// isExecNotFound returns true when the error indicates the executable was not found.
func isExecNotFound(err error) bool {
	if err == exec.ErrNotFound {
		return true
	}
	var execErr *exec.Error
	return errors.As(err, &execErr)
}
