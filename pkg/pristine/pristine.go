// Package pristine implements the on-disk read-through cache of chunks
// fetched from the origin. Chunks are bucketed into subdirectories of at
// most chunksPerDir entries so a large image never produces one directory
// with millions of files.
package pristine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cmusatyalab/vmnetfs/pkg/bitmap"
)

// chunksPerDir bounds how many chunk files share a bucket directory.
const chunksPerDir = 4096

// Store is the filesystem-backed pristine cache for one image.
type Store struct {
	root    string
	present *bitmap.Bitmap
}

// dirNum returns the bucket directory for chunk, the floor of chunk to the
// nearest multiple of chunksPerDir.
func dirNum(chunk uint64) uint64 {
	return chunk / chunksPerDir * chunksPerDir
}

func (s *Store) dirPath(chunk uint64) string {
	return filepath.Join(s.root, strconv.FormatUint(dirNum(chunk), 10))
}

func (s *Store) filePath(chunk uint64) string {
	return filepath.Join(s.dirPath(chunk), strconv.FormatUint(chunk, 10))
}

// Open creates root if missing, then reconstructs the present bitmap by
// walking root's immediate subdirectories and the chunk files within them.
// Any entry that doesn't parse as a valid chunk file for this image is an
// ErrInvalidCache failure — the cache has no separate metadata file, so a
// corrupt name can only be detected this way.
func Open(root string, chunkCount uint64) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("pristine: create cache root %s: %w", root, err)
	}

	s := &Store{root: root, present: bitmap.New()}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("pristine: scan cache root %s: %w", root, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dn, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			// Not a bucket directory name; not our concern.
			continue
		}
		if err := s.scanBucket(filepath.Join(root, entry.Name()), dn, chunkCount); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) scanBucket(path string, dn uint64, chunkCount uint64) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("pristine: scan bucket %s: %w", path, err)
	}

	for _, entry := range entries {
		chunk, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil || chunk >= chunkCount || dirNum(chunk) != dn {
			return fmt.Errorf("pristine: invalid cache entry %s/%s: %w",
				path, entry.Name(), ErrInvalidCache)
		}
		s.present.Set(chunk)
	}
	return nil
}

// ErrInvalidCache is returned by Open when a cache directory contains an
// entry that doesn't parse as a chunk belonging to that bucket.
var ErrInvalidCache = errors.New("invalid cache entry")

// Present returns the bitmap of chunks this store currently holds.
func (s *Store) Present() *bitmap.Bitmap {
	return s.present
}

// Read requires present[chunk]; it opens the chunk file and reads exactly
// length bytes at offset, failing if the file is shorter than required.
func (s *Store) Read(data []byte, chunk uint64, offset uint32, length uint32) error {
	f, err := os.Open(s.filePath(chunk))
	if err != nil {
		return fmt.Errorf("pristine: open chunk %d: %w", chunk, err)
	}
	defer f.Close()

	n, err := f.ReadAt(data[:length], int64(offset))
	if err != nil {
		return fmt.Errorf("pristine: read chunk %d: %w: %w", chunk, ErrPrematureEOF, err)
	}
	if uint32(n) != length {
		return fmt.Errorf("pristine: short read on chunk %d: got %d want %d: %w",
			chunk, n, length, ErrPrematureEOF)
	}
	return nil
}

// ErrPrematureEOF is returned by Read when the chunk file on disk is
// shorter than the length requested.
var ErrPrematureEOF = errors.New("premature end of file")

// Write atomically replaces the chunk file with data and, on success, sets
// present[chunk]. The bucket directory is created if missing.
func (s *Store) Write(data []byte, chunk uint64) error {
	dir := s.dirPath(chunk)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("pristine: create bucket dir %s: %w", dir, err)
	}

	file := s.filePath(chunk)
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("pristine: write temp chunk %d: %w", chunk, err)
	}
	if err := os.Rename(tmp, file); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pristine: commit chunk %d: %w", chunk, err)
	}

	s.present.Set(chunk)
	return nil
}

// Close releases resources the store's own bitmap holds open (its
// subscriber channels); the on-disk cache itself is left in place for
// Open to rediscover on next start.
func (s *Store) Close() {
	s.present.Close()
}
