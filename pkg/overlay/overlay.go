// Package overlay implements the copy-on-write store for dirty chunks: a
// single sparse, anonymous file addressed at chunk*chunkSize offsets.
package overlay

import (
	"fmt"
	"os"

	"github.com/cmusatyalab/vmnetfs/pkg/bitmap"
)

// Store holds dirty chunk bodies in a sparse anonymous file. Chunk C lives
// at byte offset C*chunkSize, regardless of how much of the file around it
// has ever been written — pread/pwrite on a sparse file read zeros for
// never-written regions, which is never observed here because callers only
// read a chunk after Write has populated it (invariant: a chunk entered
// into the modified bitmap is fully written).
type Store struct {
	file      *os.File
	chunkSize uint32
	modified  *bitmap.Bitmap
}

// New creates an overlay store backed by a fresh anonymous file and the
// given modified-chunk bitmap, which the store sets bits on as chunks are
// written.
func New(chunkSize uint32, modified *bitmap.Bitmap) (*Store, error) {
	f, err := openAnonymous()
	if err != nil {
		return nil, fmt.Errorf("overlay: create anonymous file: %w", err)
	}
	return &Store{file: f, chunkSize: chunkSize, modified: modified}, nil
}

// Modified returns the bitmap tracking which chunks have been copied into
// this overlay.
func (s *Store) Modified() *bitmap.Bitmap {
	return s.modified
}

// Read reads length bytes at offset within chunk. The caller must have
// already verified modified[chunk] is set; Read trusts that invariant and
// does not check the bitmap itself.
func (s *Store) Read(data []byte, chunk uint64, offset uint32, length uint32) error {
	pos := int64(chunk)*int64(s.chunkSize) + int64(offset)
	n, err := s.file.ReadAt(data[:length], pos)
	if err != nil {
		return fmt.Errorf("overlay: read chunk %d: %w", chunk, err)
	}
	if uint32(n) != length {
		return fmt.Errorf("overlay: short read on chunk %d: got %d want %d", chunk, n, length)
	}
	return nil
}

// Write writes data at offset within chunk and marks the chunk modified on
// success.
func (s *Store) Write(data []byte, chunk uint64, offset uint32) error {
	pos := int64(chunk)*int64(s.chunkSize) + int64(offset)
	n, err := s.file.WriteAt(data, pos)
	if err != nil {
		return fmt.Errorf("overlay: write chunk %d: %w", chunk, err)
	}
	if n != len(data) {
		return fmt.Errorf("overlay: short write on chunk %d: wrote %d want %d", chunk, n, len(data))
	}
	s.modified.Set(chunk)
	return nil
}

// Close releases the overlay file. Because the file is anonymous (either
// memfd-backed or unlinked immediately after creation), closing it frees
// its storage; there is nothing else to clean up.
func (s *Store) Close() error {
	return s.file.Close()
}
