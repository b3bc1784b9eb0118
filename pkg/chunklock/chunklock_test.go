package chunklock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	t.Run("UncontendedAcquireReturnsSize", func(t *testing.T) {
		tbl := New(4096, 16384)
		size, err := tbl.Acquire(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(16384), size)
		tbl.Release(0)
	})

	t.Run("SecondAcquireWaitsForRelease", func(t *testing.T) {
		tbl := New(4096, 16384)
		_, err := tbl.Acquire(context.Background(), 0)
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			_, err := tbl.Acquire(context.Background(), 0)
			require.NoError(t, err)
			close(acquired)
			tbl.Release(0)
		}()

		select {
		case <-acquired:
			t.Fatal("second acquire should have blocked")
		case <-time.After(50 * time.Millisecond):
		}

		tbl.Release(0)
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("second acquire never completed after release")
		}
	})

	t.Run("ReleaseOfUnlockedChunkPanics", func(t *testing.T) {
		tbl := New(4096, 16384)
		assert.Panics(t, func() { tbl.Release(42) })
	})

	t.Run("TableCollapsesWhenQuiescent", func(t *testing.T) {
		tbl := New(4096, 16384)
		_, err := tbl.Acquire(context.Background(), 0)
		require.NoError(t, err)
		tbl.Release(0)

		assert.Len(t, tbl.locks, 0)
	})
}

func TestAcquireInterrupted(t *testing.T) {
	t.Run("CancelledContextWhileWaitingReturnsInterrupted", func(t *testing.T) {
		tbl := New(4096, 16384)
		_, err := tbl.Acquire(context.Background(), 0)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := tbl.Acquire(ctx, 0)
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInterrupted))
		case <-time.After(time.Second):
			t.Fatal("acquire never returned after cancel")
		}
		tbl.Release(0)
	})
}

func TestConcurrentDisjointChunks(t *testing.T) {
	tbl := New(4096, 16384)
	var wg sync.WaitGroup
	for _, chunk := range []uint64{0, 1, 2, 3} {
		wg.Add(1)
		go func(c uint64) {
			defer wg.Done()
			_, err := tbl.Acquire(context.Background(), c)
			require.NoError(t, err)
			tbl.Release(c)
		}(chunk)
	}
	wg.Wait()
}

func TestSetSize(t *testing.T) {
	t.Run("GrowingAlwaysSucceeds", func(t *testing.T) {
		tbl := New(4096, 16384)
		require.NoError(t, tbl.SetSize(1<<20))
		assert.Equal(t, uint64(1<<20), tbl.ImageSize())
	})

	t.Run("ShrinkingRefusedIfLockedChunkWouldStraddle", func(t *testing.T) {
		tbl := New(4096, 16384)
		_, err := tbl.Acquire(context.Background(), 3) // covers [12288, 16384)
		require.NoError(t, err)

		err = tbl.SetSize(13000)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInterrupted))

		tbl.Release(3)
		require.NoError(t, tbl.SetSize(13000))
	})

	t.Run("ShrinkingToExactChunkBoundaryAllowed", func(t *testing.T) {
		tbl := New(4096, 16384)
		_, err := tbl.Acquire(context.Background(), 2) // covers [8192, 12288)
		require.NoError(t, err)
		defer tbl.Release(2)

		require.NoError(t, tbl.SetSize(12288))
	})
}
