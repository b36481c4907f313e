// Package assertions implements the verify check types evaluated against
// step output after execution.
package assertions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/instep-io/instep/pkg/executor"
	"github.com/instep-io/instep/pkg/schema"
)

// Evaluate runs a single check against the given output and exit code.
func Evaluate(c schema.Check, output string, exitCode int) *executor.CheckResult {
	if c.Contains != "" {
		return EvalContains(output, c.Contains)
	}
	if c.NotContains != "" {
		return EvalNotContains(output, c.NotContains)
	}
	if c.Matches != "" {
		return EvalMatches(output, c.Matches)
	}
	if c.ExitCode != nil {
		return EvalExitCode(exitCode, *c.ExitCode)
	}
	return &executor.CheckResult{
		Type:    "unknown",
		Passed:  false,
		Message: "no check field set",
	}
}

// EvalContains checks if output contains the expected substring.
func EvalContains(output, expected string) *executor.CheckResult {
	passed := strings.Contains(output, expected)
	msg := fmt.Sprintf("output contains %q", expected)
	if !passed {
		msg = fmt.Sprintf("output does not contain %q", expected)
	}
	return &executor.CheckResult{
		Type:     "contains",
		Expected: expected,
		Actual:   truncate(output, 200),
		Passed:   passed,
		Message:  msg,
	}
}

// EvalNotContains checks that output does NOT contain the substring.
func EvalNotContains(output, expected string) *executor.CheckResult {
	passed := !strings.Contains(output, expected)
	msg := fmt.Sprintf("output does not contain %q", expected)
	if !passed {
		msg = fmt.Sprintf("output contains %q (unexpected)", expected)
	}
	return &executor.CheckResult{
		Type:     "not_contains",
		Expected: expected,
		Actual:   truncate(output, 200),
		Passed:   passed,
		Message:  msg,
	}
}

// EvalMatches checks if output matches the regex pattern.
func EvalMatches(output, pattern string) *executor.CheckResult {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &executor.CheckResult{
			Type:     "matches",
			Expected: pattern,
			Actual:   truncate(output, 200),
			Passed:   false,
			Message:  fmt.Sprintf("invalid regex: %v", err),
		}
	}
	passed := re.MatchString(output)
	msg := fmt.Sprintf("output matches /%s/", pattern)
	if !passed {
		msg = fmt.Sprintf("output does not match /%s/", pattern)
	}
	return &executor.CheckResult{
		Type:     "matches",
		Expected: pattern,
		Actual:   truncate(output, 200),
		Passed:   passed,
		Message:  msg,
	}
}

// EvalExitCode checks if the actual exit code matches expected.
func EvalExitCode(actual, expected int) *executor.CheckResult {
	passed := actual == expected
	msg := fmt.Sprintf("exit code %d == %d", actual, expected)
	if !passed {
		msg = fmt.Sprintf("exit code %d != %d", actual, expected)
	}
	return &executor.CheckResult{
		Type:     "exit_code",
		Expected: fmt.Sprintf("%d", expected),
		Actual:   fmt.Sprintf("%d", actual),
		Passed:   passed,
		Message:  msg,
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
