package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[0].run.argv")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// stepIDRe constrains step IDs to shell-friendly lowercase identifiers.
var stepIDRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateFile performs the full 3-phase validation pipeline on a plan file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Plan, []*ValidationError) {
	var allErrors []*ValidationError

	p, err := LoadFile(path)
	if err != nil {
		allErrors = append(allErrors, &ValidationError{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		})
		return nil, allErrors
	}

	allErrors = append(allErrors, validateSemantic(p)...)
	allErrors = append(allErrors, ValidateDomain(p)...)

	if len(allErrors) > 0 {
		return p, allErrors
	}
	return p, nil
}

// validateSemantic validates the plan against the generated JSON Schema.
func validateSemantic(p *Plan) []*ValidationError {
	data, err := json.Marshal(p)
	if err != nil {
		return semanticFailure(fmt.Sprintf("marshal for schema validation: %v", err))
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semanticFailure(fmt.Sprintf("generate schema: %v", err))
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semanticFailure(fmt.Sprintf("unmarshal schema: %v", err))
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("plan-v1.json", schemaDoc); err != nil {
		return semanticFailure(fmt.Sprintf("add schema resource: %v", err))
	}

	sch, err := c.Compile("plan-v1.json")
	if err != nil {
		return semanticFailure(fmt.Sprintf("compile schema: %v", err))
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return semanticFailure(fmt.Sprintf("unmarshal document: %v", err))
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = semanticFailure(err.Error())
		}
		return errs
	}
	return nil
}

func semanticFailure(msg string) []*ValidationError {
	return []*ValidationError{{
		Phase:    "semantic",
		Message:  msg,
		Severity: "error",
	}}
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation.
// Returns a slice of errors; empty means valid.
func ValidateDomain(p *Plan) []*ValidationError {
	var errs []*ValidationError

	if p.APIVersion != "plan/v1" {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "apiVersion",
			Message:  fmt.Sprintf("unrecognized apiVersion %q, expected %q", p.APIVersion, "plan/v1"),
			Severity: "error",
		})
	}

	if p.Meta.Defaults != nil {
		errs = append(errs, validateRetry(p.Meta.Defaults.Retry, "meta.defaults.retry")...)
		errs = append(errs, validateDuration(p.Meta.Defaults.Timeout, "meta.defaults.timeout")...)
	}

	seen := make(map[string]int)
	for i, step := range p.Steps {
		loc := fmt.Sprintf("steps[%d]", i)
		errs = append(errs, validateStep(step, loc)...)

		if step.ID != "" {
			if prev, dup := seen[step.ID]; dup {
				errs = append(errs, &ValidationError{
					Phase:    "domain",
					Path:     loc + ".id",
					Message:  fmt.Sprintf("duplicate step id %q (first used at steps[%d])", step.ID, prev),
					Severity: "error",
				})
			} else {
				seen[step.ID] = i
			}
		}
	}

	return errs
}

// validateStep checks a single step's action exclusivity and field combinations.
func validateStep(step Step, loc string) []*ValidationError {
	var errs []*ValidationError

	add := func(path, msg, severity string) {
		errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: msg, Severity: severity})
	}

	if step.ID == "" {
		add(loc+".id", "step id is required", "error")
	} else if !stepIDRe.MatchString(step.ID) {
		add(loc+".id", fmt.Sprintf("step id %q must match %s", step.ID, stepIDRe.String()), "error")
	}

	// Exactly one action per step.
	var actions []string
	if step.Run != nil {
		actions = append(actions, "run")
	}
	if step.Chdir != "" {
		actions = append(actions, "chdir")
	}
	if step.Patch != nil {
		actions = append(actions, "patch")
	}
	if step.Fetch != nil {
		actions = append(actions, "fetch")
	}
	switch len(actions) {
	case 0:
		add(loc, "step has no action: exactly one of run, chdir, patch, fetch is required", "error")
	case 1:
		// ok
	default:
		add(loc, fmt.Sprintf("step has %d actions (%s): exactly one of run, chdir, patch, fetch is allowed",
			len(actions), strings.Join(actions, ", ")), "error")
	}

	if step.Run != nil {
		hasArgv := len(step.Run.Argv) > 0
		hasPipe := len(step.Run.Pipe) > 0
		if hasArgv == hasPipe {
			add(loc+".run", "run requires exactly one of argv or pipe", "error")
		}
		if hasPipe && len(step.Run.Pipe) < 2 {
			add(loc+".run.pipe", "pipe requires at least 2 stages; use argv for a single command", "error")
		}
		for j, stage := range step.Run.Pipe {
			if len(stage) == 0 {
				add(fmt.Sprintf("%s.run.pipe[%d]", loc, j), "pipe stage must not be empty", "error")
			}
		}
	}

	if step.Run == nil {
		if len(step.Capture) > 0 {
			add(loc+".capture", "capture is only valid on run steps", "error")
		}
		if len(step.Verify) > 0 {
			add(loc+".verify", "verify is only valid on run steps", "error")
		}
	}

	for name, source := range step.Capture {
		if source != "stdout" && source != "stderr" {
			add(loc+".capture."+name, fmt.Sprintf("capture source must be stdout or stderr, got %q", source), "error")
		}
	}

	for j, check := range step.Verify {
		cloc := fmt.Sprintf("%s.verify[%d]", loc, j)
		n := 0
		if check.Contains != "" {
			n++
		}
		if check.NotContains != "" {
			n++
		}
		if check.Matches != "" {
			n++
		}
		if check.ExitCode != nil {
			n++
		}
		if n != 1 {
			add(cloc, "exactly one of contains, not_contains, matches, exit_code must be set", "error")
		}
		if check.Matches != "" {
			if _, err := regexp.Compile(check.Matches); err != nil {
				add(cloc+".matches", fmt.Sprintf("invalid regex: %v", err), "error")
			}
		}
	}

	if step.Chdir != "" {
		if step.Retry != nil {
			add(loc+".retry", "retry has no effect on chdir steps", "warning")
		}
		if step.Precondition != nil {
			add(loc+".precondition", "precondition is not valid on chdir steps", "error")
		}
	}

	if step.When != "" {
		if _, err := expr.Compile(step.When, expr.AsBool()); err != nil {
			add(loc+".when", fmt.Sprintf("guard does not compile: %v", err), "error")
		}
	}

	errs = append(errs, validateRetry(step.Retry, loc+".retry")...)
	errs = append(errs, validateDuration(step.Timeout, loc+".timeout")...)

	return errs
}

func validateRetry(r *RetrySpec, loc string) []*ValidationError {
	if r == nil {
		return nil
	}
	var errs []*ValidationError
	if r.Attempts < 1 {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     loc + ".attempts",
			Message:  fmt.Sprintf("retry attempts must be >= 1, got %d", r.Attempts),
			Severity: "error",
		})
	}
	errs = append(errs, validateDuration(r.Delay, loc+".delay")...)
	return errs
}

func validateDuration(s, loc string) []*ValidationError {
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return []*ValidationError{{
			Phase:    "domain",
			Path:     loc,
			Message:  fmt.Sprintf("invalid duration %q", s),
			Severity: "error",
		}}
	}
	return nil
}
