package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across the transport, stores, lock table, and
// engine so log lines are grep-able and aggregatable the same way regardless
// of which subsystem emitted them.
const (
	// ========================================================================
	// Trace correlation
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Image identity
	// ========================================================================
	KeyImage = "image" // Image name
	KeyURL   = "url"   // Origin URL (possibly segmented)

	// ========================================================================
	// Chunk I/O
	// ========================================================================
	KeyChunk        = "chunk"         // Chunk index
	KeyOffset       = "offset"        // Byte offset within a chunk or image
	KeyLength       = "length"        // Byte count requested
	KeyBytesRead    = "bytes_read"    // Actual bytes read
	KeyBytesWritten = "bytes_written" // Actual bytes written
	KeySize         = "size"          // Image or chunk size in bytes

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyOperation  = "operation"   // read_chunk, write_chunk, set_size, fetch, ...
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorKind  = "error_kind"  // eof, interrupted, invalid_cache, network, fatal, io

	// ========================================================================
	// Transport
	// ========================================================================
	KeyAttempt      = "attempt"       // Retry attempt number
	KeyMaxAttempts  = "max_attempts"  // Maximum retry attempts
	KeyRequestID    = "request_id"    // Correlation ID for a single fetch
	KeyETag         = "etag"          // Validator observed/expected
	KeyLastModified = "last_modified" // Validator observed/expected

	// ========================================================================
	// Cache/overlay state
	// ========================================================================
	KeyPresent  = "present"  // Chunk already in pristine store
	KeyModified = "modified" // Chunk already in overlay
)

// Image returns a slog.Attr for the image name.
func Image(name string) slog.Attr {
	return slog.String(KeyImage, name)
}

// Chunk returns a slog.Attr for a chunk index.
func Chunk(idx uint64) slog.Attr {
	return slog.Uint64(KeyChunk, idx)
}

// Offset returns a slog.Attr for a byte offset.
func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

// Length returns a slog.Attr for a byte length.
func Length(n uint32) slog.Attr {
	return slog.Uint64(KeyLength, uint64(n))
}

// Size returns a slog.Attr for a size in bytes.
func Size(n uint64) slog.Attr {
	return slog.Uint64(KeySize, n)
}

// BytesRead returns a slog.Attr for actual bytes read.
func BytesRead(n int) slog.Attr {
	return slog.Int(KeyBytesRead, n)
}

// BytesWritten returns a slog.Attr for actual bytes written.
func BytesWritten(n int) slog.Attr {
	return slog.Int(KeyBytesWritten, n)
}

// Operation returns a slog.Attr for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorKind returns a slog.Attr for the taxonomy kind of an error.
func ErrorKind(kind string) slog.Attr {
	return slog.String(KeyErrorKind, kind)
}

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxAttempts returns a slog.Attr for the maximum retry attempts.
func MaxAttempts(n int) slog.Attr {
	return slog.Int(KeyMaxAttempts, n)
}

// RequestID returns a slog.Attr for a fetch correlation ID.
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}

// ETag returns a slog.Attr for an ETag validator value.
func ETag(v string) slog.Attr {
	return slog.String(KeyETag, v)
}

// Present returns a slog.Attr for pristine-store membership.
func Present(b bool) slog.Attr {
	return slog.Bool(KeyPresent, b)
}

// Modified returns a slog.Attr for overlay membership.
func Modified(b bool) slog.Attr {
	return slog.Bool(KeyModified, b)
}
