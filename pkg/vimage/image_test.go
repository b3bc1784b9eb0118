package vimage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmusatyalab/vmnetfs/pkg/transport"
)

func transportConfigFor(srv *httptest.Server) transport.Config {
	return transport.Config{BaseURL: srv.URL}
}

const (
	testChunkSize   = 4096
	testInitialSize = 16384
)

// originBytes returns the deterministic origin body b[i] = i mod 256 used
// throughout the end-to-end scenarios.
func originBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 256)
	}
	return b
}

func newTestImage(t *testing.T, srv *httptest.Server) *Image {
	t.Helper()
	img, err := Open(Config{
		Name:        "test",
		ChunkSize:   testChunkSize,
		InitialSize: testInitialSize,
		CacheRoot:   t.TempDir(),
		Transport: transportConfigFor(srv),
	})
	require.NoError(t, err)
	t.Cleanup(func() { img.Close() })
	return img
}

func TestReadFreshImageFetchesWholeRange(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ctx := context.Background()

	buf0 := make([]byte, testChunkSize)
	n, err := img.ReadChunk(ctx, 0, 0, testChunkSize, buf0)
	require.NoError(t, err)
	assert.Equal(t, testChunkSize, n)
	assert.Equal(t, body[0:testChunkSize], buf0)

	buf1 := make([]byte, testChunkSize)
	n, err = img.ReadChunk(ctx, 1, 0, testChunkSize, buf1)
	require.NoError(t, err)
	assert.Equal(t, testChunkSize, n)
	assert.Equal(t, body[testChunkSize:2*testChunkSize], buf1)

	assert.Equal(t, uint64(2), img.Counters().ChunkFetches)
	assert.True(t, img.Present().Test(0))
	assert.True(t, img.Present().Test(1))
	assert.True(t, img.Accessed().Test(0))
	assert.True(t, img.Accessed().Test(1))
}

func TestWriteAcrossChunkBoundaryThenReadBack(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ctx := context.Background()

	payload := []byte{0xAA, 0xBB}
	n, err := img.WriteChunk(ctx, 0, testChunkSize-1, payload[0:1])
	require.NoError(t, err)
	assert.Equal(t, 1, n, "chunk-decomposition into per-chunk calls is the FUSE shim's job, not the engine's")

	n, err = img.WriteChunk(ctx, 1, 0, payload[1:])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, img.Modified().Test(0))
	assert.True(t, img.Modified().Test(1))
	assert.Equal(t, uint64(2), img.Counters().ChunkDirties)

	got := make([]byte, 1)
	_, err = img.ReadChunk(ctx, 0, testChunkSize-1, 1, got)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), got[0])

	_, err = img.ReadChunk(ctx, 1, 0, 1, got)
	require.NoError(t, err)
	assert.Equal(t, byte(0xBB), got[0])
}

func TestReadStraddlingEOFReturnsShortCount(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ctx := context.Background()

	// start=15000, chunk_size=4096 -> chunk 3 covers [12288, 16384); the
	// remainder of the chunk from offset 2712 to its end is the largest
	// single-chunk request the FUSE shim could ever decompose this into,
	// and it lands exactly on the image's end.
	chunkOffset := uint32(15000 - 3*testChunkSize)
	buf := make([]byte, testChunkSize-chunkOffset)
	n, err := img.ReadChunk(ctx, 3, chunkOffset, testChunkSize-chunkOffset, buf)
	require.NoError(t, err)
	assert.Equal(t, testInitialSize-15000, n)
}

func TestReadFullyPastEOFReturnsEOF(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ctx := context.Background()

	buf := make([]byte, 4096)
	_, err := img.ReadChunk(ctx, 4, 0, 4096, buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEOF))
}

func TestWriteFullyPastEOFReturnsNoSpace(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ctx := context.Background()

	_, err := img.WriteChunk(ctx, 4, 0, []byte{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSpace))
}

func TestETagMismatchIsIOAndLeavesChunkAbsent(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v2"`)
		originHandler(body)(w, r)
	}))
	defer srv.Close()

	cfg := transportConfigFor(srv)
	cfg.ExpectedETag = `"v1"`
	cfg.RetryDelay = time.Millisecond
	img, err := Open(Config{
		Name: "test", ChunkSize: testChunkSize, InitialSize: testInitialSize,
		CacheRoot: t.TempDir(), Transport: cfg,
	})
	require.NoError(t, err)
	defer img.Close()

	buf := make([]byte, testChunkSize)
	_, err = img.ReadChunk(context.Background(), 0, 0, testChunkSize, buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
	assert.Equal(t, uint64(1), img.Counters().IOErrors)
	assert.False(t, img.Present().Test(0))
}

func TestNetworkErrorResolvesWithinRetryBudget(t *testing.T) {
	body := originBytes(testInitialSize)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		originHandler(body)(w, r)
	}))
	defer srv.Close()

	cfg := transportConfigFor(srv)
	cfg.RetryDelay = time.Millisecond
	img, err := Open(Config{
		Name: "test", ChunkSize: testChunkSize, InitialSize: testInitialSize,
		CacheRoot: t.TempDir(), Transport: cfg,
	})
	require.NoError(t, err)
	defer img.Close()

	buf := make([]byte, testChunkSize)
	n, err := img.ReadChunk(context.Background(), 0, 0, testChunkSize, buf)
	require.NoError(t, err)
	assert.Equal(t, testChunkSize, n)
	assert.Equal(t, uint64(1), img.Counters().ChunkFetches)
	assert.True(t, img.Present().Test(0))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestConcurrentWritersOnDisjointChunks(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ctx := context.Background()

	payload0 := make([]byte, testChunkSize)
	payload1 := make([]byte, testChunkSize)
	for i := range payload0 {
		payload0[i] = 0x11
		payload1[i] = 0x22
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := img.WriteChunk(ctx, 0, 0, payload0)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := img.WriteChunk(ctx, 1, 0, payload1)
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.True(t, img.Modified().Test(0))
	assert.True(t, img.Modified().Test(1))
	assert.Equal(t, uint64(2*testChunkSize), img.Counters().BytesWritten)

	got0 := make([]byte, testChunkSize)
	got1 := make([]byte, testChunkSize)
	_, err := img.ReadChunk(ctx, 0, 0, testChunkSize, got0)
	require.NoError(t, err)
	_, err = img.ReadChunk(ctx, 1, 0, testChunkSize, got1)
	require.NoError(t, err)
	assert.Equal(t, payload0, got0)
	assert.Equal(t, payload1, got1)
}

func TestCloseUnblocksAccessedStreamReaders(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ch, cancel := img.Accessed().Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	require.NoError(t, img.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accessed stream reader did not observe close")
	}
}

func TestReopenRediscoversPresentChunks(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	cacheRoot := t.TempDir()
	cfg := Config{
		Name: "test", ChunkSize: testChunkSize, InitialSize: testInitialSize,
		CacheRoot: cacheRoot, Transport: transportConfigFor(srv),
	}

	img1, err := Open(cfg)
	require.NoError(t, err)
	_, err = img1.ReadChunk(context.Background(), 2, 0, testChunkSize, make([]byte, testChunkSize))
	require.NoError(t, err)
	require.NoError(t, img1.Close())

	img2, err := Open(cfg)
	require.NoError(t, err)
	defer img2.Close()
	assert.True(t, img2.Present().Test(2))
	assert.Equal(t, uint64(0), img2.Counters().ChunkFetches)
}

func TestSubscribeCountersReceivesSnapshotThenUpdates(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ctx := context.Background()

	ch, cancel := img.SubscribeCounters()
	defer cancel()

	initial := <-ch
	assert.Equal(t, uint64(0), initial.ChunkFetches)

	_, err := img.ReadChunk(ctx, 0, 0, testChunkSize, make([]byte, testChunkSize))
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, uint64(1), snap.ChunkFetches)
	case <-time.After(time.Second):
		t.Fatal("did not observe counters update after read")
	}
}

func TestSubscribeCountersCoalescesBehindSlowReader(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ctx := context.Background()

	ch, cancel := img.SubscribeCounters()
	defer cancel()
	<-ch // drain the initial snapshot

	_, err := img.ReadChunk(ctx, 0, 0, testChunkSize, make([]byte, testChunkSize))
	require.NoError(t, err)
	_, err = img.ReadChunk(ctx, 1, 0, testChunkSize, make([]byte, testChunkSize))
	require.NoError(t, err)

	snap := <-ch
	assert.Equal(t, uint64(2), snap.ChunkFetches, "reader behind two publishes should land on the latest snapshot, not a backlog")

	select {
	case <-ch:
		t.Fatal("expected exactly one coalesced snapshot, not a second one queued behind it")
	default:
	}
}

func TestCloseUnblocksSubscribeCountersReaders(t *testing.T) {
	body := originBytes(testInitialSize)
	srv := httptest.NewServer(http.HandlerFunc(originHandler(body)))
	defer srv.Close()

	img := newTestImage(t, srv)
	ch, cancel := img.SubscribeCounters()
	defer cancel()
	<-ch

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	require.NoError(t, img.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("counters stream reader did not observe close")
	}
}

func originHandler(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "image", time.Time{}, bytes.NewReader(body))
	}
}
