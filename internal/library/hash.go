package library

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// FileHash returns the hex sha-256 digest of the file's contents.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		// Ignore error closing file opened only for reading.
		_ = f.Close()
	}()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("library.FileHash %q: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
