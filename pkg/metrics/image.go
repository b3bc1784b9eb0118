package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ImageMetrics records the chunk I/O counters for a single image, labeled
// by image name. A nil *ImageMetrics is safe to call every method on, so
// callers can construct it unconditionally and let NewImageMetrics decide
// whether collection is actually wired up.
type ImageMetrics struct {
	bytesRead    *prometheus.CounterVec
	bytesWritten *prometheus.CounterVec
	chunkFetches *prometheus.CounterVec
	chunkDirties *prometheus.CounterVec
	ioErrors     *prometheus.CounterVec
	present      *prometheus.GaugeVec
	modified     *prometheus.GaugeVec
	accessed     *prometheus.GaugeVec
}

// NewImageMetrics returns an ImageMetrics registered against the registry
// installed by InitRegistry. If no registry has been installed it returns
// nil, and every method on a nil *ImageMetrics is a no-op.
func NewImageMetrics() *ImageMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &ImageMetrics{
		bytesRead: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetfs",
			Name:      "bytes_read_total",
			Help:      "Bytes returned to readers, by image.",
		}, []string{"image"}),
		bytesWritten: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetfs",
			Name:      "bytes_written_total",
			Help:      "Bytes accepted from writers, by image.",
		}, []string{"image"}),
		chunkFetches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetfs",
			Name:      "chunk_fetches_total",
			Help:      "Chunks fetched from the origin server, by image.",
		}, []string{"image"}),
		chunkDirties: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetfs",
			Name:      "chunk_dirties_total",
			Help:      "Chunks copied into the overlay on first write, by image.",
		}, []string{"image"}),
		ioErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmnetfs",
			Name:      "io_errors_total",
			Help:      "Chunk I/O operations that failed with an IO-kind error, by image.",
		}, []string{"image"}),
		present: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmnetfs",
			Name:      "chunks_present",
			Help:      "Chunks currently cached in the pristine store, by image.",
		}, []string{"image"}),
		modified: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmnetfs",
			Name:      "chunks_modified",
			Help:      "Chunks currently copied into the overlay, by image.",
		}, []string{"image"}),
		accessed: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmnetfs",
			Name:      "chunks_accessed",
			Help:      "Chunks touched at least once since mount, by image.",
		}, []string{"image"}),
	}
}

// RecordRead adds n to the bytes-read counter for name.
func (m *ImageMetrics) RecordRead(name string, n int) {
	if m == nil {
		return
	}
	m.bytesRead.WithLabelValues(name).Add(float64(n))
}

// RecordWrite adds n to the bytes-written counter for name.
func (m *ImageMetrics) RecordWrite(name string, n int) {
	if m == nil {
		return
	}
	m.bytesWritten.WithLabelValues(name).Add(float64(n))
}

// RecordChunkFetch increments the chunk-fetch counter for name.
func (m *ImageMetrics) RecordChunkFetch(name string) {
	if m == nil {
		return
	}
	m.chunkFetches.WithLabelValues(name).Inc()
}

// RecordChunkDirty increments the chunk-dirtied counter for name.
func (m *ImageMetrics) RecordChunkDirty(name string) {
	if m == nil {
		return
	}
	m.chunkDirties.WithLabelValues(name).Inc()
}

// RecordIOError increments the IO-error counter for name.
func (m *ImageMetrics) RecordIOError(name string) {
	if m == nil {
		return
	}
	m.ioErrors.WithLabelValues(name).Inc()
}

// SetChunkGauges sets the present/modified/accessed chunk-count gauges for
// name to their current values.
func (m *ImageMetrics) SetChunkGauges(name string, present, modified, accessed int) {
	if m == nil {
		return
	}
	m.present.WithLabelValues(name).Set(float64(present))
	m.modified.WithLabelValues(name).Set(float64(modified))
	m.accessed.WithLabelValues(name).Set(float64(accessed))
}

// Forget removes every series labeled with name, called when an image is
// closed so a remounted or renamed image doesn't inherit stale series.
func (m *ImageMetrics) Forget(name string) {
	if m == nil {
		return
	}
	m.bytesRead.DeleteLabelValues(name)
	m.bytesWritten.DeleteLabelValues(name)
	m.chunkFetches.DeleteLabelValues(name)
	m.chunkDirties.DeleteLabelValues(name)
	m.ioErrors.DeleteLabelValues(name)
	m.present.DeleteLabelValues(name)
	m.modified.DeleteLabelValues(name)
	m.accessed.DeleteLabelValues(name)
}
