package vimage

import (
	"errors"
	"fmt"

	"github.com/cmusatyalab/vmnetfs/pkg/pristine"
)

// Sentinel errors for the chunk I/O engine. Callers should check these with
// errors.Is; ChunkError wraps one of them with the chunk/image context that
// produced it.
var (
	// ErrEOF indicates a read started at or past the end of the image.
	ErrEOF = errors.New("end of file")

	// ErrInterrupted indicates the calling context was cancelled while
	// waiting for a chunk lock or during a transport fetch.
	ErrInterrupted = errors.New("operation interrupted")

	// ErrInvalidCache indicates the pristine cache directory contains an
	// entry that doesn't parse as a valid chunk file. Fatal at init. It is
	// the pristine store's own sentinel, so it matches what Open returns.
	ErrInvalidCache = pristine.ErrInvalidCache

	// ErrPrematureEOF indicates a cache or overlay file was shorter than
	// the chunk length it was supposed to hold.
	ErrPrematureEOF = errors.New("premature end of file")

	// ErrNetwork indicates a retryable transport failure (DNS, connect,
	// HTTP status, timeout, premature close, send/recv, bad encoding).
	ErrNetwork = errors.New("network error")

	// ErrFatal indicates a non-retryable transport failure: validator
	// mismatch, misconfiguration, or short read.
	ErrFatal = errors.New("fatal transport error")

	// ErrIO is the generic local I/O failure surfaced to callers after
	// NETWORK/FATAL/PREMATURE_EOF have been folded into it.
	ErrIO = errors.New("i/o error")

	// ErrNoSpace indicates a write started at or past the image's
	// effective size.
	ErrNoSpace = errors.New("no space left on image")
)

// ChunkError wraps one of the sentinel errors above with the chunk
// operation that produced it, preserving errors.Is/As compatibility through
// Unwrap.
type ChunkError struct {
	// Op names the failing operation: "read_chunk", "write_chunk",
	// "fetch", "set_size", ...
	Op string

	// Image is the image name the operation was performed against.
	Image string

	// Chunk is the chunk index involved, if any.
	Chunk uint64

	// Err is the wrapped sentinel error.
	Err error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("vimage %s: %s (image=%s, chunk=%d)", e.Op, e.Err, e.Image, e.Chunk)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// newChunkError wraps err (expected to be one of the sentinels, possibly
// already wrapped) with chunk-operation context.
func newChunkError(op, image string, chunk uint64, err error) *ChunkError {
	return &ChunkError{Op: op, Image: image, Chunk: chunk, Err: err}
}
