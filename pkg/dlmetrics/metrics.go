// Package dlmetrics exposes Prometheus instrumentation for the download
// engine: transfer counts/duration, in-flight gauges, per-source-type byte
// counters, verification failures, peer discovery/connection gauges, and
// resume-lease bookkeeping.
package dlmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's Prometheus instrumentation.
type Metrics struct {
	transferTotal     *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	transfersInFlight prometheus.Gauge
	bytesBySource     *prometheus.CounterVec
	transferFailures  *prometheus.CounterVec
	verificationFails *prometheus.CounterVec

	peersDiscovered *prometheus.GaugeVec
	peersConnected  *prometheus.GaugeVec
	leasesAcquired  prometheus.Counter
	leasesRenewed   prometheus.Counter
	leasesExpired   prometheus.Counter

	bytesUploaded   prometheus.Counter
	bytesDownloaded prometheus.Counter
	p2pRatio        prometheus.Gauge

	chunkRequeued *prometheus.CounterVec
}

// New creates and registers the engine's Prometheus collectors under the
// "chiral_downloader" namespace against the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates and registers the engine's Prometheus collectors
// against reg. Tests use a fresh prometheus.NewRegistry() per case so
// repeated registration of the same metric names doesn't panic.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	f := promauto.With(reg)

	m.transferTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chiral_downloader",
			Subsystem: "transfer",
			Name:      "total",
			Help:      "Total number of completed transfers by outcome and file id.",
		},
		[]string{"outcome", "file_id"},
	)

	m.transferDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chiral_downloader",
			Subsystem: "transfer",
			Name:      "duration_seconds",
			Help:      "Duration of completed transfers in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"outcome", "file_id"},
	)

	m.transfersInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chiral_downloader",
			Subsystem: "transfer",
			Name:      "in_flight",
			Help:      "Number of transfers currently in progress.",
		},
	)

	m.bytesBySource = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chiral_downloader",
			Subsystem: "transfer",
			Name:      "bytes_by_source_total",
			Help:      "Total bytes downloaded, labeled by source type (bittorrent, http, ftp, ed2k, webrtc).",
		},
		[]string{"source_type", "file_id"},
	)

	m.transferFailures = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chiral_downloader",
			Subsystem: "transfer",
			Name:      "failures_total",
			Help:      "Total number of failed transfers by error category.",
		},
		[]string{"file_id", "error_category"},
	)

	m.verificationFails = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chiral_downloader",
			Subsystem: "transfer",
			Name:      "verification_failures_total",
			Help:      "Total number of file-hash verification failures.",
		},
		[]string{"file_id"},
	)

	m.peersDiscovered = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chiral_downloader",
			Subsystem: "peers",
			Name:      "discovered",
			Help:      "Number of peers discovered for a file.",
		},
		[]string{"file_id"},
	)

	m.peersConnected = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chiral_downloader",
			Subsystem: "peers",
			Name:      "connected",
			Help:      "Number of peers currently connected for a transfer.",
		},
		[]string{"file_id"},
	)

	m.leasesAcquired = f.NewCounter(prometheus.CounterOpts{
		Namespace: "chiral_downloader", Subsystem: "resume_token", Name: "leases_acquired_total",
		Help: "Total number of resume-token leases acquired.",
	})
	m.leasesRenewed = f.NewCounter(prometheus.CounterOpts{
		Namespace: "chiral_downloader", Subsystem: "resume_token", Name: "leases_renewed_total",
		Help: "Total number of resume-token leases renewed.",
	})
	m.leasesExpired = f.NewCounter(prometheus.CounterOpts{
		Namespace: "chiral_downloader", Subsystem: "resume_token", Name: "leases_expired_total",
		Help: "Total number of resume-token leases that expired before renewal.",
	})

	m.bytesUploaded = f.NewCounter(prometheus.CounterOpts{
		Namespace: "chiral_downloader", Subsystem: "transfer", Name: "bytes_uploaded_total",
		Help: "Total bytes uploaded to peers (seeding).",
	})
	m.bytesDownloaded = f.NewCounter(prometheus.CounterOpts{
		Namespace: "chiral_downloader", Subsystem: "transfer", Name: "bytes_downloaded_total",
		Help: "Total bytes downloaded across all sources.",
	})
	m.p2pRatio = f.NewGauge(prometheus.GaugeOpts{
		Namespace: "chiral_downloader", Subsystem: "transfer", Name: "p2p_ratio",
		Help: "Ratio of bytes served by peer sources versus direct (HTTP/FTP) sources.",
	})

	m.chunkRequeued = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chiral_downloader",
			Subsystem: "chunk",
			Name:      "requeued_total",
			Help:      "Total number of chunks requeued after a source failure, by reason.",
		},
		[]string{"reason"},
	)

	return m
}

func (m *Metrics) TransferStarted() { m.transfersInFlight.Inc() }

func (m *Metrics) TransferCompleted(fileID string, duration time.Duration) {
	m.transfersInFlight.Dec()
	m.transferTotal.WithLabelValues("completed", fileID).Inc()
	m.transferDuration.WithLabelValues("completed", fileID).Observe(duration.Seconds())
}

func (m *Metrics) TransferFailed(fileID, errorCategory string) {
	m.transfersInFlight.Dec()
	m.transferTotal.WithLabelValues("failed", fileID).Inc()
	m.transferFailures.WithLabelValues(fileID, errorCategory).Inc()
}

func (m *Metrics) VerificationFailed(fileID string) {
	m.verificationFails.WithLabelValues(fileID).Inc()
}

func (m *Metrics) PeersDiscovered(fileID string, count int) {
	m.peersDiscovered.WithLabelValues(fileID).Set(float64(count))
}

func (m *Metrics) PeersConnected(fileID string, count int) {
	m.peersConnected.WithLabelValues(fileID).Set(float64(count))
}

func (m *Metrics) LeaseAcquired()  { m.leasesAcquired.Inc() }
func (m *Metrics) LeaseRenewed()   { m.leasesRenewed.Inc() }
func (m *Metrics) LeaseExpired()   { m.leasesExpired.Inc() }

func (m *Metrics) BytesUploaded(n int64)   { m.bytesUploaded.Add(float64(n)) }
func (m *Metrics) BytesDownloaded(n int64) { m.bytesDownloaded.Add(float64(n)) }

// BytesBySource records bytes attributed to one source type for one file,
// e.g. sourceType "bittorrent", "http", "ftp", "ed2k", "webrtc".
func (m *Metrics) BytesBySource(sourceType, fileID string, n int64) {
	m.bytesBySource.WithLabelValues(sourceType, fileID).Add(float64(n))
}

// ChunkRequeued records a chunk being pulled off a failed source and
// returned to the dispatch queue, labeled by the triggering reason
// ("timeout", "hash_mismatch", "source_disconnected", ...).
func (m *Metrics) ChunkRequeued(reason string) {
	m.chunkRequeued.WithLabelValues(reason).Inc()
}

// UpdateP2PRatio recomputes the peer-vs-direct byte ratio from running
// totals; the orchestrator calls this after each ChunkCompleted event.
func (m *Metrics) UpdateP2PRatio(p2pBytes, totalBytes int64) {
	if totalBytes > 0 {
		m.p2pRatio.Set(float64(p2pBytes) / float64(totalBytes))
	}
}
