// Package fetch downloads files over HTTP with optional SHA-256
// verification. A download that already exists with the right checksum is
// skipped, keeping fetch steps idempotent. Retries are owned by the engine's
// retry wrapper, not here.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/instep-io/instep/pkg/schema"
)

// Status reports what Fetch did.
type Status string

const (
	// Downloaded means the file was fetched and written to Dest.
	Downloaded Status = "downloaded"
	// Satisfied means Dest already existed with the expected checksum.
	Satisfied Status = "satisfied"
)

// Result describes the outcome of a fetch.
type Result struct {
	Status Status
	Dest   string // absolute destination path
	Size   int64
	SHA256 string
}

// Fetch downloads cfg.URL to cfg.Dest, resolving a relative destination
// against workdir. The body is streamed to a .part file and renamed into
// place only after the checksum (when pinned) verifies, so an interrupted
// download never leaves a plausible-looking partial file behind.
func Fetch(ctx context.Context, cfg *schema.FetchConfig, workdir string) (*Result, error) {
	dest := cfg.Dest
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(workdir, dest)
	}

	if cfg.SHA256 != "" {
		if sum, err := fileSHA256(dest); err == nil && sum == cfg.SHA256 {
			info, _ := os.Stat(dest)
			return &Result{Status: Satisfied, Dest: dest, Size: info.Size(), SHA256: sum}, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get %s: unexpected status %s", cfg.URL, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", part, err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("download %s: %w", cfg.URL, err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if cfg.SHA256 != "" && sum != cfg.SHA256 {
		os.Remove(part)
		return nil, fmt.Errorf("checksum mismatch for %s: got %s, want %s", cfg.URL, sum, cfg.SHA256)
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("finalize download: %w", err)
	}

	return &Result{Status: Downloaded, Dest: dest, Size: size, SHA256: sum}, nil
}

// fileSHA256 hashes an existing file; returns an error if it doesn't exist.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
