package transport

import "errors"

var (
	// ErrNetwork marks a failure the caller should retry: connection
	// refused, timeout, reset, or a 5xx/429 response.
	ErrNetwork = errors.New("transport: network error")

	// ErrFatal marks a failure retrying cannot fix: a 4xx response, a
	// validator mismatch, or a malformed response body.
	ErrFatal = errors.New("transport: fatal error")

	// ErrInterrupted marks a fetch that was cancelled by its context.
	ErrInterrupted = errors.New("transport: interrupted")
)
