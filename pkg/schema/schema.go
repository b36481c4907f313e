// Package schema defines the Go struct types for the installation plan YAML
// schema and provides strict YAML parsing.
package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is the top-level document describing an ordered installation procedure.
type Plan struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion" jsonschema:"required,enum=plan/v1"`
	Meta       Meta   `yaml:"meta"       json:"meta"       jsonschema:"required"`
	Steps      []Step `yaml:"steps"      json:"steps"      jsonschema:"required,minItems=1"`
}

// Meta contains plan metadata, variables and execution defaults.
type Meta struct {
	Name        string            `yaml:"name"                  json:"name" jsonschema:"required"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Vars        map[string]string `yaml:"vars,omitempty"        json:"vars,omitempty"`
	Defaults    *Defaults         `yaml:"defaults,omitempty"    json:"defaults,omitempty"`
}

// Defaults specifies execution settings applied to steps that don't set their own.
type Defaults struct {
	Retry   *RetrySpec `yaml:"retry,omitempty"   json:"retry,omitempty"`
	Timeout string     `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(s|m|h)$"`
}

// RetrySpec bounds re-attempts of a failing step. A step retried this way
// succeeds on the first zero exit; exhausting all attempts is fatal.
type RetrySpec struct {
	Attempts int    `yaml:"attempts"        json:"attempts" jsonschema:"required,minimum=1"`
	Delay    string `yaml:"delay,omitempty" json:"delay,omitempty" jsonschema:"pattern=^[0-9]+(ms|s|m)$"`
}

// Step is a single unit of work in the plan. Exactly one action field
// (run, chdir, patch, fetch) must be set.
type Step struct {
	ID              string            `yaml:"id"                          json:"id" jsonschema:"required"`
	Title           string            `yaml:"title,omitempty"             json:"title,omitempty"`
	When            string            `yaml:"when,omitempty"              json:"when,omitempty"`
	Run             *RunConfig        `yaml:"run,omitempty"               json:"run,omitempty"`
	Chdir           string            `yaml:"chdir,omitempty"             json:"chdir,omitempty"`
	Patch           *PatchConfig      `yaml:"patch,omitempty"             json:"patch,omitempty"`
	Fetch           *FetchConfig      `yaml:"fetch,omitempty"             json:"fetch,omitempty"`
	ContinueOnError bool              `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	Retry           *RetrySpec        `yaml:"retry,omitempty"             json:"retry,omitempty"`
	OptIn           bool              `yaml:"opt_in,omitempty"            json:"opt_in,omitempty"`
	Precondition    *Precondition     `yaml:"precondition,omitempty"      json:"precondition,omitempty"`
	Verify          []Check           `yaml:"verify,omitempty"            json:"verify,omitempty"`
	Capture         map[string]string `yaml:"capture,omitempty"           json:"capture,omitempty"`
	Timeout         string            `yaml:"timeout,omitempty"           json:"timeout,omitempty" jsonschema:"pattern=^[0-9]+(s|m|h)$"`
}

// RunConfig describes a command execution. Argv runs a single command;
// Pipe runs a chain of commands connected stdout-to-stdin with pipefail
// semantics (a non-zero exit anywhere in the chain fails the step).
type RunConfig struct {
	Argv []string          `yaml:"argv,omitempty" json:"argv,omitempty" jsonschema:"minItems=1"`
	Pipe [][]string        `yaml:"pipe,omitempty" json:"pipe,omitempty" jsonschema:"minItems=2"`
	Env  map[string]string `yaml:"env,omitempty"  json:"env,omitempty"`
}

// PatchConfig is a versioned text-substitution patch for an installed file.
// ExpectSHA256, when set, pins the pre-patch content so the patch fails
// loudly on version drift instead of silently mispatching.
type PatchConfig struct {
	File          string         `yaml:"file"                    json:"file" jsonschema:"required"`
	ExpectSHA256  string         `yaml:"expect_sha256,omitempty" json:"expect_sha256,omitempty" jsonschema:"pattern=^[a-f0-9]{64}$"`
	Substitutions []Substitution `yaml:"substitutions"           json:"substitutions" jsonschema:"required,minItems=1"`
}

// Substitution replaces occurrences of a literal string within the target file.
// Count limits the number of replacements; zero or negative means all.
type Substitution struct {
	Match   string `yaml:"match"           json:"match" jsonschema:"required"`
	Replace string `yaml:"replace"         json:"replace"`
	Count   int    `yaml:"count,omitempty" json:"count,omitempty"`
}

// FetchConfig downloads a file to a destination path, optionally verifying
// its SHA-256. Historically these downloads were flaky, so fetch steps
// usually carry a retry spec.
type FetchConfig struct {
	URL    string `yaml:"url"              json:"url" jsonschema:"required"`
	Dest   string `yaml:"dest"             json:"dest" jsonschema:"required"`
	SHA256 string `yaml:"sha256,omitempty" json:"sha256,omitempty" jsonschema:"pattern=^[a-f0-9]{64}$"`
}

// Precondition defines a probe command that runs before a step.
// If the probe succeeds (exit code 0) and SkipIfSatisfied is set, the step
// is skipped. This makes installation steps idempotent across re-runs.
type Precondition struct {
	Check           []string `yaml:"check"             json:"check" jsonschema:"required,minItems=1"`
	SkipIfSatisfied bool     `yaml:"skip_if_satisfied" json:"skip_if_satisfied"`
	Message         string   `yaml:"message,omitempty" json:"message,omitempty"`
}

// Check is a post-execution verification on step output.
// Exactly one field must be set per Check object.
type Check struct {
	Contains    string `yaml:"contains,omitempty"     json:"contains,omitempty"`
	NotContains string `yaml:"not_contains,omitempty" json:"not_contains,omitempty"`
	Matches     string `yaml:"matches,omitempty"      json:"matches,omitempty"`
	ExitCode    *int   `yaml:"exit_code,omitempty"    json:"exit_code,omitempty"`
}

// LoadFile reads and parses a plan YAML file with strict unknown-field
// rejection (yaml.v3 KnownFields). Returns the parsed Plan or an error.
func LoadFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a plan from an io.Reader with strict unknown-field rejection.
func Load(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}
