package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local writes documents under a base directory, one file per key.
type Local struct {
	baseDir string
}

// NewLocal prepares the base directory and verifies it is writable so a
// misconfigured path fails at startup, not mid-run.
func NewLocal(baseDir string) (*Local, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("archive base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create archive directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat archive directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("archive path %s is not a directory", baseDir)
	}

	probe := filepath.Join(baseDir, ".writecheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("archive directory not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove write probe: %w", err)
	}
	return &Local{baseDir: baseDir}, nil
}

// Put writes data to baseDir/key and returns a file:// URI. Keys resolving
// outside the base directory are rejected.
func (l *Local) Put(_ context.Context, key string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("archive key is required")
	}
	fullPath := filepath.Join(l.baseDir, filepath.FromSlash(key))

	cleanBase := filepath.Clean(l.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("archive key %q escapes base directory", key)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create archive subdirectory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write archive object: %w", err)
	}
	return "file://" + fullPath, nil
}
