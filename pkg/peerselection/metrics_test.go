package peerselection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_NeutralDefaults(t *testing.T) {
	m := NewMetrics("peer1", "127.0.0.1:8080")
	assert.Equal(t, "peer1", m.PeerID)
	assert.Equal(t, 0.5, m.SuccessRate)
	assert.Equal(t, uint64(0), m.TransferCount)
}

func TestRecordSuccessfulTransfer(t *testing.T) {
	m := NewMetrics("peer1", "127.0.0.1:8080")
	m.RecordSuccessfulTransfer(1000, 100*time.Millisecond)

	assert.Equal(t, uint64(1), m.TransferCount)
	assert.Equal(t, uint64(1), m.SuccessfulTransfers)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.NotNil(t, m.BandwidthKbps)
}

func TestSelect_FastestFirst(t *testing.T) {
	reg := NewRegistry()

	lat1 := uint64(50)
	peer1 := NewMetrics("peer1", "127.0.0.1:8080")
	peer1.LatencyMs = &lat1
	peer1.ReliabilityScore = 0.9

	lat2 := uint64(200)
	peer2 := NewMetrics("peer2", "127.0.0.1:8081")
	peer2.LatencyMs = &lat2
	peer2.ReliabilityScore = 0.7

	reg.Update(peer1)
	reg.Update(peer2)

	selected := reg.Select([]string{"peer1", "peer2"}, 1, StrategyFastestFirst, false)
	assert.Equal(t, []string{"peer1"}, selected)
}

func TestSelect_EncryptionFiltering(t *testing.T) {
	reg := NewRegistry()

	peer1 := NewMetrics("peer1", "127.0.0.1:8080")
	peer1.EncryptionSupport = true
	peer2 := NewMetrics("peer2", "127.0.0.1:8081")
	peer2.EncryptionSupport = false

	reg.Update(peer1)
	reg.Update(peer2)

	selected := reg.Select([]string{"peer1", "peer2"}, 2, StrategyBalanced, true)
	assert.Equal(t, []string{"peer1"}, selected)
}

func TestCleanupInactive(t *testing.T) {
	reg := NewRegistry()
	stale := NewMetrics("stale", "x")
	stale.LastSeen = time.Now().Add(-1 * time.Hour)
	fresh := NewMetrics("fresh", "y")

	reg.Update(stale)
	reg.Update(fresh)

	removed := reg.CleanupInactive(10 * time.Minute)
	assert.Equal(t, 1, removed)
	_, ok := reg.Get("stale")
	assert.False(t, ok)
	_, ok = reg.Get("fresh")
	assert.True(t, ok)
}

func TestRecommendForFile_LargeFilePicksMorePeers(t *testing.T) {
	reg := NewRegistry()
	ids := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	for _, id := range ids {
		reg.Update(NewMetrics(id, id))
	}
	selected := reg.RecommendForFile(ids, 200_000_000, false)
	assert.Len(t, selected, 5)
}

func TestRecordFailedTransfer_PenaltyScaledByKind(t *testing.T) {
	timeoutPeer := NewMetrics("peer1", "x")
	timeoutPeer.RecordFailedTransfer(FailureTimeout)

	refusedPeer := NewMetrics("peer1", "x")
	refusedPeer.RecordFailedTransfer(FailureConnectionRefused)

	assert.Equal(t, 0.4, timeoutPeer.ReliabilityScore)
	assert.Equal(t, 0.3, refusedPeer.ReliabilityScore)
	assert.NotEqual(t, timeoutPeer.ReliabilityScore, refusedPeer.ReliabilityScore)
}

func TestReportMaliciousBehavior_DegradesScore(t *testing.T) {
	m := NewMetrics("peer1", "x")
	before := m.QualityScore(false)
	m.ReportMaliciousBehavior(SeveritySevere)
	after := m.QualityScore(false)
	assert.Less(t, after, before)
}
