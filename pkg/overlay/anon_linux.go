//go:build linux

package overlay

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openAnonymous creates an in-memory anonymous file via memfd_create, the
// direct Linux analogue of the original's unlinked-tmpfile overlay: no
// directory entry ever exists, so there is nothing to clean up on crash.
func openAnonymous() (*os.File, error) {
	fd, err := unix.MemfdCreate("vmnetfs-overlay", 0)
	if err != nil {
		return openAnonymousTempFile()
	}
	return os.NewFile(uintptr(fd), "vmnetfs-overlay"), nil
}

func openAnonymousTempFile() (*os.File, error) {
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
