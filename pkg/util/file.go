// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ReadFileSafely reads a file after cleaning and validating the path.
func ReadFileSafely(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute path for %s: %w", path, err)
	}
	return os.ReadFile(absPath) // #nosec G304
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("could not write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("could not chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temp file: %w", err)
	}
	return os.Rename(tmpName, path)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFileName replaces characters that are unsafe in file names.
func SafeFileName(name string) string {
	cleaned := strings.Trim(unsafeFileChars.ReplaceAllString(name, "_"), "._")
	if cleaned == "" {
		return "device"
	}
	return cleaned
}
