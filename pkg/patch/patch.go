// Package patch applies versioned text-substitution patches to installed
// files. Patches are explicit artifacts: each names its target file, the
// literal substitutions to perform, and optionally the SHA-256 of the
// expected pre-patch content so version drift fails loudly instead of
// mispatching.
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/instep-io/instep/pkg/schema"
)

// Status reports what Apply did to the target file.
type Status string

const (
	// Applied means the file was modified.
	Applied Status = "applied"
	// AlreadyApplied means every substitution was already in place; the
	// file was not touched. Repeat runs of a plan hit this path.
	AlreadyApplied Status = "already_applied"
)

// Result describes the outcome of applying one patch.
type Result struct {
	Status Status
	File   string // absolute path of the patched file
}

// Apply performs the patch against the target file, resolving a relative
// path against workdir. It is idempotent: a file whose content already
// reflects all substitutions is left untouched.
func Apply(cfg *schema.PatchConfig, workdir string) (*Result, error) {
	path := cfg.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(workdir, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat patch target: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch target: %w", err)
	}
	content := string(data)

	if cfg.ExpectSHA256 != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != cfg.ExpectSHA256 {
			// The hash not matching is fine when the patch already ran;
			// anything else is version drift.
			if applied, _ := applyCount(content, cfg.Substitutions); applied == len(cfg.Substitutions) {
				return &Result{Status: AlreadyApplied, File: path}, nil
			}
			return nil, fmt.Errorf("patch target %s does not match expected content hash %s (upstream version changed?)",
				path, cfg.ExpectSHA256)
		}
	}

	patched := content
	changed := false
	for i, sub := range cfg.Substitutions {
		if !strings.Contains(patched, sub.Match) {
			if sub.Replace != "" && strings.Contains(patched, sub.Replace) {
				continue // this substitution already ran
			}
			return nil, fmt.Errorf("substitution %d: pattern %q not found in %s", i, sub.Match, path)
		}
		count := sub.Count
		if count <= 0 {
			count = -1
		}
		patched = strings.Replace(patched, sub.Match, sub.Replace, count)
		changed = true
	}

	if !changed {
		return &Result{Status: AlreadyApplied, File: path}, nil
	}

	if err := os.WriteFile(path, []byte(patched), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("write patched file: %w", err)
	}
	return &Result{Status: Applied, File: path}, nil
}

// applyCount reports how many substitutions appear to have already run
// against the given content.
func applyCount(content string, subs []schema.Substitution) (int, int) {
	applied := 0
	for _, sub := range subs {
		if !strings.Contains(content, sub.Match) && (sub.Replace == "" || strings.Contains(content, sub.Replace)) {
			applied++
		}
	}
	return applied, len(subs)
}
