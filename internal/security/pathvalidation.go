// Package security guards the one place terrascan writes to the host
// filesystem by path: internal/cache.FileCache turns a task/level/tile
// key into a file path, and a crafted task id or cache key must never be
// able to escape the cache root.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory rejects filePath unless it resolves to a
// location inside safeDir. internal/cache.FileCache calls this on every
// read/write so a cache key built from untrusted task/tile identifiers
// can't traverse out of the cache root via ".." or a symlink.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	cleanPath := filepath.Clean(filePath)

	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	// Resolve symlinks in the longest existing prefix of each path, so a
	// link inside safeDir that points outside it is rejected too.
	for _, p := range []*string{&absPath, &absSafeDir} {
		dir, rest := *p, ""
		for {
			if resolved, err := filepath.EvalSymlinks(dir); err == nil {
				*p = filepath.Join(resolved, rest)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			rest, dir = filepath.Join(filepath.Base(dir), rest), parent
		}
	}

	relPath, err := filepath.Rel(absSafeDir, absPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}

	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}

	return nil
}
