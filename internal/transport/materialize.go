package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, strings.TrimPrefix(relPath, "/")))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes work directory", relPath)
	}
	return cleaned, nil
}

// Materialize writes resources below dir, refusing paths that escape it.
func Materialize(dir string, resources []Resource) error {
	for _, r := range resources {
		target, err := validatePath(dir, r.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent dir: %w", err)
		}
		if err := os.WriteFile(target, r.Data, 0o644); err != nil {
			return fmt.Errorf("write resource %s: %w", r.Path, err)
		}
	}
	return nil
}
