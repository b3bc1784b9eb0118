package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds operation-scoped logging context for a single chunk I/O
// call (read_chunk, write_chunk, fetch, ...).
type LogContext struct {
	TraceID   string
	SpanID    string
	Image     string    // Image name
	Operation string    // read_chunk, write_chunk, set_size, fetch, ...
	RequestID string    // Correlation ID, assigned per transport fetch
	Chunk     uint64    // Chunk index, if applicable
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for an image operation.
func NewLogContext(image, operation string) *LogContext {
	return &LogContext{
		Image:     image,
		Operation: operation,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithChunk returns a copy with the chunk index set.
func (lc *LogContext) WithChunk(chunk uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Chunk = chunk
	}
	return clone
}

// WithRequestID returns a copy with the correlation ID set.
func (lc *LogContext) WithRequestID(id string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RequestID = id
	}
	return clone
}

// WithTrace returns a copy with the trace/span IDs set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
