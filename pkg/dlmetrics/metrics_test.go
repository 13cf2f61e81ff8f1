package dlmetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	return NewWithRegisterer(prometheus.NewRegistry())
}

func TestTransferCompleted_IncrementsTotalAndObservesDuration(t *testing.T) {
	m := newTestMetrics()
	m.TransferStarted()
	m.TransferCompleted("file-1", 2*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.transferTotal.WithLabelValues("completed", "file-1")))
}

func TestTransferFailed_IncrementsFailuresByCategory(t *testing.T) {
	m := newTestMetrics()
	m.TransferStarted()
	m.TransferFailed("file-2", "verification_failed")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.transferFailures.WithLabelValues("file-2", "verification_failed")))
}

func TestBytesBySource_TracksPerSourceType(t *testing.T) {
	m := newTestMetrics()
	m.BytesBySource("bittorrent", "file-3", 1024)
	m.BytesBySource("http", "file-3", 256)

	assert.Equal(t, float64(1024), testutil.ToFloat64(m.bytesBySource.WithLabelValues("bittorrent", "file-3")))
	assert.Equal(t, float64(256), testutil.ToFloat64(m.bytesBySource.WithLabelValues("http", "file-3")))
}

func TestUpdateP2PRatio_ComputesFraction(t *testing.T) {
	m := newTestMetrics()
	m.UpdateP2PRatio(750, 1000)

	require.Equal(t, 0.75, testutil.ToFloat64(m.p2pRatio))
}

func TestUpdateP2PRatio_ZeroTotalLeavesGaugeUnset(t *testing.T) {
	m := newTestMetrics()
	m.UpdateP2PRatio(0, 0)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.p2pRatio))
}

func TestChunkRequeued_CountsByReason(t *testing.T) {
	m := newTestMetrics()
	m.ChunkRequeued("timeout")
	m.ChunkRequeued("timeout")
	m.ChunkRequeued("hash_mismatch")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.chunkRequeued.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.chunkRequeued.WithLabelValues("hash_mismatch")))
}

func TestLeaseCounters(t *testing.T) {
	m := newTestMetrics()
	m.LeaseAcquired()
	m.LeaseRenewed()
	m.LeaseRenewed()
	m.LeaseExpired()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.leasesAcquired))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.leasesRenewed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.leasesExpired))
}
