package executor

import (
	"context"
	"fmt"
	"strings"
)

// DryRunExecutor reports commands without executing them. Every command
// succeeds with placeholder output so downstream captures and guards keep
// flowing during a dry run.
type DryRunExecutor struct {
	Commands []string // command lines in execution order
}

func (d *DryRunExecutor) Execute(ctx context.Context, spec *CommandSpec) (*CommandResult, error) {
	line := FormatSpec(spec)
	d.Commands = append(d.Commands, line)
	fmt.Printf("  [dry-run] would execute: %s\n", line)
	return &CommandResult{
		Stdout:   []byte("<dry-run>"),
		ExitCode: 0,
	}, nil
}

// FormatSpec renders a CommandSpec as a shell-like command line for display.
func FormatSpec(spec *CommandSpec) string {
	if len(spec.Pipe) > 0 {
		stages := make([]string, len(spec.Pipe))
		for i, argv := range spec.Pipe {
			stages[i] = strings.Join(argv, " ")
		}
		return strings.Join(stages, " | ")
	}
	return strings.Join(spec.Argv, " ")
}
