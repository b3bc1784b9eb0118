// Package chunklock implements the per-chunk mutual exclusion table that
// serializes all I/O engine operations touching the same chunk, and
// co-locates the image's effective size so acquiring a lock and sampling
// the size happen as one atomic step.
package chunklock

import (
	"context"
	"fmt"
	"sync"
)

// entry is one chunk's lock state. avail is closed (and replaced) every
// time the chunk transitions from busy to free, waking every waiter so
// each can recheck busy under the table mutex — the channel-close idiom
// standing in for a condition variable's signal/broadcast.
type entry struct {
	busy    bool
	waiters int
	avail   chan struct{}
}

// Table is a chunk lock table for a single image.
type Table struct {
	mu        sync.Mutex
	locks     map[uint64]*entry
	imageSize uint64
	chunkSize uint32
}

// New creates a lock table with the given chunk size and initial image
// size.
func New(chunkSize uint32, initialSize uint64) *Table {
	return &Table{
		locks:     make(map[uint64]*entry),
		imageSize: initialSize,
		chunkSize: chunkSize,
	}
}

// Acquire locks chunk, blocking while it is held by another caller, and
// returns the image's effective size sampled atomically with the
// acquisition. If ctx is cancelled while waiting, Acquire returns
// ErrInterrupted — unless the wakeup that resolved the wait also handed
// this caller the lock, in which case Acquire silently succeeds rather
// than leaving an acquired-but-abandoned lock behind.
func (t *Table) Acquire(ctx context.Context, chunk uint64) (imageSize uint64, err error) {
	t.mu.Lock()
	e, ok := t.locks[chunk]
	if !ok {
		e = &entry{busy: true, avail: make(chan struct{})}
		t.locks[chunk] = e
		size := t.imageSize
		t.mu.Unlock()
		return size, nil
	}

	e.waiters++
	for e.busy {
		ch := e.avail
		t.mu.Unlock()
		select {
		case <-ch:
			t.mu.Lock()
		case <-ctx.Done():
			t.mu.Lock()
			if !e.busy {
				// Lost the race with our own cancellation: we were
				// woken and won the lock in the same instant we were
				// told to give up. Keep the lock instead of leaving it
				// acquired with no release path.
				e.busy = true
				e.waiters--
				size := t.imageSize
				t.mu.Unlock()
				return size, nil
			}
			e.waiters--
			t.mu.Unlock()
			return 0, fmt.Errorf("acquire chunk %d: %w", chunk, ErrInterrupted)
		}
	}
	e.busy = true
	e.waiters--
	size := t.imageSize
	t.mu.Unlock()
	return size, nil
}

// Release unlocks chunk. If another caller is waiting, it hands off the
// lock by waking all waiters (the first to re-acquire the table mutex
// claims it); otherwise the entry is removed so the table stays empty at
// rest.
func (t *Table) Release(chunk uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.locks[chunk]
	if !ok {
		panic(fmt.Sprintf("chunklock: release of chunk %d with no lock entry", chunk))
	}
	if e.waiters > 0 {
		e.busy = false
		close(e.avail)
		e.avail = make(chan struct{})
	} else {
		delete(t.locks, chunk)
	}
}

// ImageSize returns the current effective image size without acquiring any
// chunk lock.
func (t *Table) ImageSize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.imageSize
}

// SetSize changes the effective image size. Shrinking is refused with
// ErrInterrupted if any currently-locked chunk would end up partially
// beyond the new size — the lock holder is relying on a stable size for
// the duration of its hold (invariant: while a chunk lock is held, the
// effective size never drops below (chunk+1)*chunkSize).
func (t *Table) SetSize(newSize uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if newSize < t.imageSize {
		for chunk, e := range t.locks {
			if !e.busy {
				continue
			}
			limit := (chunk + 1) * uint64(t.chunkSize)
			if newSize < limit {
				return fmt.Errorf("set size to %d: %w", newSize, ErrInterrupted)
			}
		}
	}
	t.imageSize = newSize
	return nil
}
