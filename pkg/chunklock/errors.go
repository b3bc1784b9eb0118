package chunklock

import "errors"

// ErrInterrupted is returned by Acquire and SetSize when the caller's
// context is cancelled (Acquire) or the requested resize would invalidate
// a chunk currently under lock (SetSize).
var ErrInterrupted = errors.New("chunklock: interrupted")
