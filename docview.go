package main

import (
	"os"
	"path/filepath"
)

// extractTemp writes document bytes into a fresh temp directory under the
// sanitized filename and returns the file path. The caller is responsible for
// scheduling cleanup of the whole directory.
func extractTemp(data []byte, name string) (string, error) {
	dir, err := os.MkdirTemp("", "arka-doc-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}
