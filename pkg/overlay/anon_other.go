//go:build !linux

package overlay

import (
	"fmt"
	"os"
)

// openAnonymous creates a temp file and unlinks it immediately, the
// portable equivalent of memfd_create on platforms without it: the file's
// storage is freed by the kernel once the last descriptor closes.
func openAnonymous() (*os.File, error) {
	f, err := os.CreateTemp("", "vmnetfs-overlay-*")
	if err != nil {
		return nil, fmt.Errorf("create temp overlay file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("unlink temp overlay file: %w", err)
	}
	return f, nil
}
