// Package vimage implements the demand-paged chunk I/O engine: it
// orchestrates the accessed/modified/present bitmaps, the pristine and
// overlay stores, the chunk lock table, and the origin transport into the
// read_chunk/write_chunk/set_image_size operations a filesystem shim calls
// into.
package vimage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cmusatyalab/vmnetfs/internal/logger"
	"github.com/cmusatyalab/vmnetfs/pkg/bitmap"
	"github.com/cmusatyalab/vmnetfs/pkg/bufpool"
	"github.com/cmusatyalab/vmnetfs/pkg/chunklock"
	"github.com/cmusatyalab/vmnetfs/pkg/metrics"
	"github.com/cmusatyalab/vmnetfs/pkg/overlay"
	"github.com/cmusatyalab/vmnetfs/pkg/pristine"
	"github.com/cmusatyalab/vmnetfs/pkg/transport"
)

// Config describes one image: its origin, its cache location, and its
// chunk geometry.
type Config struct {
	// Name identifies the image in logs and metrics.
	Name string

	// ChunkSize is the fixed chunk granularity in bytes.
	ChunkSize uint32

	// InitialSize is the image's starting effective size in bytes.
	InitialSize uint64

	// CacheRoot is the pristine cache directory for this image.
	CacheRoot string

	// Transport configures the origin fetcher.
	Transport transport.Config

	// HTTPClient overrides the transport's HTTP client. Nil uses the
	// transport package's default.
	HTTPClient *http.Client
}

// Counters is a point-in-time snapshot of an image's activity counters,
// exposed to the pseudo-file layer.
type Counters struct {
	BytesRead    uint64
	BytesWritten uint64
	ChunkFetches uint64
	ChunkDirties uint64
	IOErrors     uint64
}

// counters holds the live, atomically-updated fields Counters snapshots.
type counters struct {
	bytesRead    uint64
	bytesWritten uint64
	chunkFetches uint64
	chunkDirties uint64
	ioErrors     uint64
}

// counterSub is a single SubscribeCounters subscriber. Unlike a bitmap
// subscriber, its channel is buffer-1 and coalescing: a slow reader sees the
// latest snapshot, never a backlog of stale ones.
type counterSub struct {
	ch     chan Counters
	closed sync.Once
}

// Image is one demand-paged chunk image: the unit the engine's public
// operations act on.
type Image struct {
	name      string
	chunkSize uint32

	pristine *pristine.Store
	overlay  *overlay.Store
	accessed *bitmap.Bitmap
	locks    *chunklock.Table
	tr       *transport.Transport
	metrics  *metrics.ImageMetrics

	counters counters
	closed   int32

	counterSubMu sync.Mutex
	counterSubs  map[*counterSub]struct{}
}

// Open creates (or reopens) an image. Reopening replays the pristine
// cache's on-disk contents into the present bitmap; the modified and
// accessed bitmaps, and the overlay, always start empty since they track
// in-memory-only / overlay-file state that does not survive a restart.
func Open(cfg Config) (*Image, error) {
	if cfg.ChunkSize == 0 {
		return nil, fmt.Errorf("vimage: open %s: chunk size must be nonzero", cfg.Name)
	}

	chunkCount := (cfg.InitialSize + uint64(cfg.ChunkSize) - 1) / uint64(cfg.ChunkSize)

	ps, err := pristine.Open(cfg.CacheRoot, chunkCount)
	if err != nil {
		return nil, fmt.Errorf("vimage: open %s: %w", cfg.Name, err)
	}

	modified := bitmap.New()
	ov, err := overlay.New(cfg.ChunkSize, modified)
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("vimage: open %s: %w", cfg.Name, err)
	}

	return &Image{
		name:        cfg.Name,
		chunkSize:   cfg.ChunkSize,
		pristine:    ps,
		overlay:     ov,
		accessed:    bitmap.New(),
		locks:       chunklock.New(cfg.ChunkSize, cfg.InitialSize),
		tr:          transport.New(cfg.Transport, cfg.HTTPClient),
		metrics:     metrics.NewImageMetrics(),
		counterSubs: make(map[*counterSub]struct{}),
	}, nil
}

// Name returns the image's configured name.
func (img *Image) Name() string { return img.name }

// ChunkSize returns the image's fixed chunk size.
func (img *Image) ChunkSize() uint32 { return img.chunkSize }

// Present returns the bitmap of chunks held in the pristine cache.
func (img *Image) Present() *bitmap.Bitmap { return img.pristine.Present() }

// Modified returns the bitmap of chunks copied into the overlay.
func (img *Image) Modified() *bitmap.Bitmap { return img.overlay.Modified() }

// Accessed returns the bitmap of chunks touched by a read or write.
func (img *Image) Accessed() *bitmap.Bitmap { return img.accessed }

// GetImageSize returns the image's current effective size.
func (img *Image) GetImageSize() uint64 { return img.locks.ImageSize() }

// SetImageSize changes the image's effective size. Shrinking is refused
// with ErrInterrupted if a currently-locked chunk would straddle the new
// size.
func (img *Image) SetImageSize(newSize uint64) error {
	if err := img.locks.SetSize(newSize); err != nil {
		return newChunkError("set_size", img.name, 0, mapErr(err))
	}
	return nil
}

// Counters returns a snapshot of the image's activity counters.
func (img *Image) Counters() Counters {
	return Counters{
		BytesRead:    atomic.LoadUint64(&img.counters.bytesRead),
		BytesWritten: atomic.LoadUint64(&img.counters.bytesWritten),
		ChunkFetches: atomic.LoadUint64(&img.counters.chunkFetches),
		ChunkDirties: atomic.LoadUint64(&img.counters.chunkDirties),
		IOErrors:     atomic.LoadUint64(&img.counters.ioErrors),
	}
}

// SubscribeCounters registers a new subscriber and returns a channel that
// receives the image's Counters snapshot every time it changes, plus a
// cancel func to unregister it.
//
// Unlike Accessed's bitmap stream, this is a gauge, not a discrete event
// log: the channel holds at most one pending snapshot, and a publish that
// finds one already queued replaces it rather than blocking or queuing a
// second. A subscriber that isn't reading fast enough just misses the
// intermediate values and catches up to the latest one.
func (img *Image) SubscribeCounters() (ch <-chan Counters, cancel func()) {
	s := &counterSub{ch: make(chan Counters, 1)}

	// Register and queue the initial snapshot under one hold of
	// counterSubMu, so no publish can fill the channel first and leave this
	// send blocked.
	img.counterSubMu.Lock()
	img.counterSubs[s] = struct{}{}
	s.ch <- img.Counters()
	img.counterSubMu.Unlock()

	return s.ch, func() {
		img.counterSubMu.Lock()
		delete(img.counterSubs, s)
		img.counterSubMu.Unlock()
		s.closed.Do(func() { close(s.ch) })
	}
}

// publishCounters pushes the current Counters snapshot to every live
// SubscribeCounters subscriber, replacing any snapshot still sitting unread
// in a subscriber's channel.
func (img *Image) publishCounters() {
	// Snapshot and send while holding counterSubMu: cancel and
	// closeCounterSubs unregister a subscriber under the same lock before
	// closing its channel, so no send here can hit a closed channel. Every
	// send is non-blocking.
	img.counterSubMu.Lock()
	defer img.counterSubMu.Unlock()

	snap := img.Counters()
	for s := range img.counterSubs {
		select {
		case s.ch <- snap:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- snap:
			default:
			}
		}
	}
}

// closeCounterSubs closes every live SubscribeCounters channel.
func (img *Image) closeCounterSubs() {
	img.counterSubMu.Lock()
	subs := img.counterSubs
	img.counterSubs = make(map[*counterSub]struct{})
	img.counterSubMu.Unlock()

	for s := range subs {
		s.closed.Do(func() { close(s.ch) })
	}
}

// updateChunkGauges pushes the current present/modified/accessed chunk
// counts to the Prometheus gauges, if metrics are enabled.
func (img *Image) updateChunkGauges() {
	img.metrics.SetChunkGauges(img.name,
		img.pristine.Present().Count(),
		img.overlay.Modified().Count(),
		img.accessed.Count())
}

// clampLength returns the number of bytes of a length-byte request
// starting at byteOffset within an image of size imageSize that actually
// lie within the image, and ok=false if byteOffset is already at or past
// the end.
func clampLength(byteOffset, imageSize uint64, length uint32) (clamped uint32, ok bool) {
	if byteOffset >= imageSize {
		return 0, false
	}
	remaining := imageSize - byteOffset
	if uint64(length) > remaining {
		return uint32(remaining), true
	}
	return length, true
}

// ReadChunk reads up to length bytes at offset within chunk into buf
// (which must have capacity length), returning the number of bytes
// actually read. A read that starts at or past the image's effective size
// returns 0 and ErrEOF. A read that completed some bytes before failing
// returns that count together with nil; the failure is surfaced again on
// the next call at the unsatisfied offset, per the engine's partial-success
// contract — in practice a single read_chunk call here either fully
// succeeds or fails with zero bytes, since each internal step reads or
// fetches the whole requested span atomically.
func (img *Image) ReadChunk(ctx context.Context, chunk uint64, offset uint32, length uint32, buf []byte) (int, error) {
	lc := logger.NewLogContext(img.name, "read_chunk").WithChunk(chunk)
	ctx = logger.WithContext(ctx, lc)

	size, err := img.locks.Acquire(ctx, chunk)
	if err != nil {
		return 0, newChunkError("read_chunk", img.name, chunk, mapErr(err))
	}
	defer img.locks.Release(chunk)

	chunkStart := chunk * uint64(img.chunkSize)
	clamped, ok := clampLength(chunkStart+uint64(offset), size, length)
	if !ok {
		return 0, newChunkError("read_chunk", img.name, chunk, ErrEOF)
	}

	img.accessed.Set(chunk)

	switch {
	case img.overlay.Modified().Test(chunk):
		if err := img.overlay.Read(buf[:clamped], chunk, offset, clamped); err != nil {
			return 0, img.mapFailure("read_chunk", chunk, err)
		}
	case img.pristine.Present().Test(chunk):
		if err := img.pristine.Read(buf[:clamped], chunk, offset, clamped); err != nil {
			return 0, img.mapFailure("read_chunk", chunk, err)
		}
	default:
		full, err := img.materialize(ctx, chunk, chunkStart, size)
		if err != nil {
			return 0, img.mapFailure("read_chunk", chunk, err)
		}
		copy(buf[:clamped], full[offset:uint32(offset)+clamped])
		bufpool.Put(full)
	}

	atomic.AddUint64(&img.counters.bytesRead, uint64(clamped))
	img.metrics.RecordRead(img.name, int(clamped))
	img.publishCounters()
	img.updateChunkGauges()
	logger.DebugCtx(ctx, "read chunk", logger.BytesRead(int(clamped)))
	return int(clamped), nil
}

// WriteChunk writes the first (clamped) bytes of data at offset within
// chunk, copying the chunk into the overlay first if it has not already
// been modified. It returns the number of bytes actually written. A write
// that starts at or past the image's effective size returns 0 and
// ErrNoSpace.
func (img *Image) WriteChunk(ctx context.Context, chunk uint64, offset uint32, data []byte) (int, error) {
	lc := logger.NewLogContext(img.name, "write_chunk").WithChunk(chunk)
	ctx = logger.WithContext(ctx, lc)

	size, err := img.locks.Acquire(ctx, chunk)
	if err != nil {
		return 0, newChunkError("write_chunk", img.name, chunk, mapErr(err))
	}
	defer img.locks.Release(chunk)

	chunkStart := chunk * uint64(img.chunkSize)
	clamped, ok := clampLength(chunkStart+uint64(offset), size, uint32(len(data)))
	if !ok {
		return 0, newChunkError("write_chunk", img.name, chunk, ErrNoSpace)
	}

	img.accessed.Set(chunk)

	if !img.overlay.Modified().Test(chunk) {
		full, err := img.materialize(ctx, chunk, chunkStart, size)
		if err != nil {
			return 0, img.mapFailure("write_chunk", chunk, err)
		}
		err = img.overlay.Write(full, chunk, 0)
		bufpool.Put(full)
		if err != nil {
			return 0, img.mapFailure("write_chunk", chunk, err)
		}
		atomic.AddUint64(&img.counters.chunkDirties, 1)
		img.metrics.RecordChunkDirty(img.name)
		img.publishCounters()
	}

	if err := img.overlay.Write(data[:clamped], chunk, offset); err != nil {
		return 0, img.mapFailure("write_chunk", chunk, err)
	}

	atomic.AddUint64(&img.counters.bytesWritten, uint64(clamped))
	img.metrics.RecordWrite(img.name, int(clamped))
	img.publishCounters()
	img.updateChunkGauges()
	logger.DebugCtx(ctx, "write chunk", logger.BytesWritten(int(clamped)))
	return int(clamped), nil
}

// materialize returns the full (size-clamped) body of chunk, reading it
// from the pristine cache if present or fetching and persisting it from
// the origin otherwise. The caller must hold chunk's lock, and must return
// the buffer to bufpool with Put once done with it.
func (img *Image) materialize(ctx context.Context, chunk uint64, chunkStart uint64, size uint64) ([]byte, error) {
	fullLen := uint64(img.chunkSize)
	if chunkStart+fullLen > size {
		fullLen = size - chunkStart
	}
	buf := bufpool.GetUint32(uint32(fullLen))

	if img.pristine.Present().Test(chunk) {
		if err := img.pristine.Read(buf, chunk, 0, uint32(fullLen)); err != nil {
			bufpool.Put(buf)
			return nil, err
		}
		return buf, nil
	}

	if err := img.tr.Fetch(ctx, buf, chunkStart); err != nil {
		bufpool.Put(buf)
		return nil, err
	}
	if err := img.pristine.Write(buf, chunk); err != nil {
		bufpool.Put(buf)
		return nil, err
	}
	atomic.AddUint64(&img.counters.chunkFetches, 1)
	img.metrics.RecordChunkFetch(img.name)
	img.publishCounters()
	return buf, nil
}

// mapFailure folds a lower-layer error into one of the engine's taxonomy
// sentinels (ErrInterrupted, ErrIO) per the error-handling design —
// NETWORK/FATAL/PREMATURE_EOF all surface to the caller as IO — and
// increments io_errors for exactly the IO-kind failures, per §7.
func (img *Image) mapFailure(op string, chunk uint64, err error) error {
	mapped := mapErr(err)
	if errors.Is(mapped, ErrIO) {
		atomic.AddUint64(&img.counters.ioErrors, 1)
		img.metrics.RecordIOError(img.name)
		img.publishCounters()
	}
	return newChunkError(op, img.name, chunk, mapped)
}

// mapErr folds a lower-layer error into one of the engine's taxonomy
// sentinels (ErrInterrupted, ErrIO) per the error-handling design:
// NETWORK/FATAL/PREMATURE_EOF all surface to the caller as IO.
func mapErr(err error) error {
	if errors.Is(err, chunklock.ErrInterrupted) || errors.Is(err, transport.ErrInterrupted) {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// Close releases the image's resources: the overlay's anonymous file, and
// the bitmaps' and counters' subscriber channels (unblocking any pseudo-file
// stream readers with EOF). The pristine cache directory is left on disk.
func (img *Image) Close() error {
	if !atomic.CompareAndSwapInt32(&img.closed, 0, 1) {
		return nil
	}
	img.accessed.Close()
	img.pristine.Close()
	img.overlay.Modified().Close()
	img.closeCounterSubs()
	img.metrics.Forget(img.name)
	return img.overlay.Close()
}

// Destroy closes the image and removes its pristine cache directory from
// disk.
func (img *Image) Destroy(cacheRoot string) error {
	if err := img.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(cacheRoot); err != nil {
		return fmt.Errorf("vimage: destroy %s: remove cache root: %w", img.name, err)
	}
	return nil
}
