package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validPlanYAML = `apiVersion: plan/v1
meta:
  name: ml-stack
  description: Install the ML runtime stack
  vars:
    prefix: /opt/ml
  defaults:
    retry:
      attempts: 3
      delay: 2s
steps:
  - id: check_python
    title: Verify python version
    run:
      argv: [python3, --version]
    verify:
      - matches: 'Python 3\.\d+'
    capture:
      pyver: stdout
  - id: enter_build
    chdir: build
  - id: fetch_wheel
    fetch:
      url: https://example.com/pkg.whl
      dest: downloads/pkg.whl
      sha256: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
    retry:
      attempts: 5
      delay: 10s
  - id: patch_config
    patch:
      file: setup.cfg
      substitutions:
        - match: "threads = 1"
          replace: "threads = 8"
  - id: optional_extras
    when: 'env.EXTRAS == "1"'
    opt_in: true
    continue_on_error: true
    run:
      pipe:
        - [cat, requirements.txt]
        - [xargs, pip, install]
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestLoadValidPlan verifies a complete plan parses with all field kinds.
func TestLoadValidPlan(t *testing.T) {
	p, err := LoadFile(writePlan(t, validPlanYAML))
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if p.APIVersion != "plan/v1" {
		t.Errorf("apiVersion = %q", p.APIVersion)
	}
	if p.Meta.Name != "ml-stack" {
		t.Errorf("meta.name = %q", p.Meta.Name)
	}
	if len(p.Steps) != 5 {
		t.Fatalf("parsed %d steps, want 5", len(p.Steps))
	}
	if p.Steps[0].Run == nil || p.Steps[0].Run.Argv[0] != "python3" {
		t.Errorf("step 0 run = %+v", p.Steps[0].Run)
	}
	if p.Steps[1].Chdir != "build" {
		t.Errorf("step 1 chdir = %q", p.Steps[1].Chdir)
	}
	if p.Steps[2].Fetch == nil || p.Steps[2].Retry.Attempts != 5 {
		t.Errorf("step 2 fetch/retry = %+v", p.Steps[2])
	}
	if p.Steps[3].Patch == nil || len(p.Steps[3].Patch.Substitutions) != 1 {
		t.Errorf("step 3 patch = %+v", p.Steps[3].Patch)
	}
	last := p.Steps[4]
	if !last.OptIn || !last.ContinueOnError || last.When == "" {
		t.Errorf("step 4 modifiers = %+v", last)
	}
	if len(last.Run.Pipe) != 2 {
		t.Errorf("step 4 pipe stages = %d, want 2", len(last.Run.Pipe))
	}
}

// TestLoadRejectsUnknownFields verifies strict decoding catches typos.
func TestLoadRejectsUnknownFields(t *testing.T) {
	bad := strings.Replace(validPlanYAML, "continue_on_error: true", "continue_on_eror: true", 1)
	if _, err := LoadFile(writePlan(t, bad)); err == nil {
		t.Fatal("LoadFile accepted a misspelled field, want error")
	}
}

// TestLoadRejectsMalformedYAML verifies broken YAML is a structural error.
func TestLoadRejectsMalformedYAML(t *testing.T) {
	if _, err := LoadFile(writePlan(t, "steps: [\n")); err == nil {
		t.Fatal("LoadFile accepted malformed YAML, want error")
	}
}

// TestLoadFileMissing verifies a nonexistent path is an error.
func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("LoadFile succeeded on missing file, want error")
	}
}

// TestGenerateJSONSchema verifies the schema reflects the core types.
func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	if err != nil {
		t.Fatalf("GenerateJSONSchema error: %v", err)
	}
	s := string(data)
	for _, token := range []string{"plan-v1.json", "apiVersion", "substitutions", "continue_on_error", "skip_if_satisfied"} {
		if !strings.Contains(s, token) {
			t.Errorf("schema missing %q", token)
		}
	}
}
