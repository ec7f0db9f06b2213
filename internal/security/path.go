package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateStorePath checks that a storage path is usable and free of
// directory traversal components. Absolute paths are allowed; the database
// location is operator-controlled configuration, not request input.
func ValidateStorePath(path string) error {
	if path == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("store path contains NUL byte")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("store path contains directory traversal: %s", path)
		}
	}

	return nil
}

// ValidatePathWithinBase checks that a relative path stays inside baseDir
// after resolution.
func ValidatePathWithinBase(path, baseDir string) error {
	if err := ValidateStorePath(path); err != nil {
		return err
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("absolute paths not allowed under base directory: %s", path)
	}

	cleanPath := filepath.Clean(filepath.Join(baseDir, path))
	cleanBase := filepath.Clean(baseDir)
	if cleanPath != cleanBase && !strings.HasPrefix(cleanPath, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s", path)
	}

	return nil
}
