package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const scratchPrefix = "r2v-run-"

// ScratchRoot owns the directory under which every job run gets a private
// workspace.
type ScratchRoot struct {
	basePath string
}

// NewScratchRoot initializes a ScratchRoot rooted at basePath.
func NewScratchRoot(basePath string) (*ScratchRoot, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: scratch base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure scratch root: %w", err)
	}
	return &ScratchRoot{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (r *ScratchRoot) BasePath() string {
	if r == nil {
		return ""
	}
	return r.basePath
}

// NewRun creates a fresh workspace for one run of jobID.
func (r *ScratchRoot) NewRun(jobID string) (*Scratch, error) {
	if r == nil {
		return nil, errors.New("storage: no scratch root configured")
	}
	dir, err := os.MkdirTemp(r.basePath, scratchPrefix+safeSegment(jobID)+"-")
	if err != nil {
		return nil, fmt.Errorf("storage: create scratch dir: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

// Sweep removes run workspaces older than maxAge. Normal runs release their
// own directory; this only catches what a crashed worker left behind.
func (r *ScratchRoot) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return 0, fmt.Errorf("storage: read scratch root: %w", err)
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), scratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.basePath, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Scratch is a private directory for a single run.
type Scratch struct {
	dir string
}

// Dir returns the workspace root.
func (s *Scratch) Dir() string {
	return s.dir
}

// Path resolves a relative key inside the workspace.
func (s *Scratch) Path(key string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(cleanKey)), nil
}

// Write stores data at key and returns its absolute path.
func (s *Scratch) Write(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no scratch configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fullPath, err := s.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	return fullPath, nil
}

// Mkdir creates a sub directory and returns its path.
func (s *Scratch) Mkdir(key string) (string, error) {
	fullPath, err := s.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir: %w", err)
	}
	return fullPath, nil
}

// Release deletes the workspace and everything in it.
func (s *Scratch) Release() error {
	if s == nil || s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// sanitizeKey normalizes a key and prevents escaping the workspace root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}

func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
