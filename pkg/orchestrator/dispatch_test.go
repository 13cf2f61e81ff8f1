package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanWave_FallsBackToSingleSourceBelowMinimum(t *testing.T) {
	pending := []int{0, 1, 2}
	waves := PlanWave(pending, []string{"peer-a", "peer-b"})
	require.Len(t, waves, 1)
	assert.Equal(t, "peer-a", waves[0].PeerID)
	assert.Equal(t, 0, waves[0].First)
	assert.Equal(t, 2, waves[0].Last)
}

func TestPlanWave_FallsBackToSingleSourceWithOnePeer(t *testing.T) {
	pending := []int{0, 1, 2, 3, 4, 5}
	waves := PlanWave(pending, []string{"peer-a"})
	require.Len(t, waves, 1)
	assert.Equal(t, 0, waves[0].First)
	assert.Equal(t, 5, waves[0].Last)
}

func TestPlanWave_SplitsAcrossPeersRoundRobin(t *testing.T) {
	pending := make([]int, 20)
	for i := range pending {
		pending[i] = i
	}
	waves := PlanWave(pending, []string{"peer-a", "peer-b"})
	require.Len(t, waves, 2)
	assert.Equal(t, "peer-a", waves[0].PeerID)
	assert.Equal(t, "peer-b", waves[1].PeerID)

	total := 0
	for _, w := range waves {
		assert.LessOrEqual(t, w.Count(), MaxChunksPerPeer)
		total += w.Count()
	}
	assert.Equal(t, 20, total)
}

func TestPlanWave_BoundsBlockSizeByMaxChunksPerPeer(t *testing.T) {
	pending := make([]int, 100)
	for i := range pending {
		pending[i] = i
	}
	waves := PlanWave(pending, []string{"peer-a", "peer-b"})
	for _, w := range waves {
		assert.LessOrEqual(t, w.Count(), MaxChunksPerPeer)
	}
}

func TestPlanWave_EmptyPendingReturnsNil(t *testing.T) {
	assert.Nil(t, PlanWave(nil, []string{"peer-a"}))
}

func TestPlanWave_NoPeersReturnsSingleUnboundAssignment(t *testing.T) {
	waves := PlanWave([]int{0, 1, 2, 3, 4}, nil)
	require.Len(t, waves, 1)
	assert.Equal(t, "", waves[0].PeerID)
}

func TestRebalance_RedistributesSurplusAboveFairShare(t *testing.T) {
	assigned := map[string][]int{
		"peer-a": {0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		"peer-b": {10},
	}
	remaining, freed := Rebalance(assigned, 2)
	assert.Len(t, remaining["peer-a"], 6)
	assert.Len(t, remaining["peer-b"], 1)
	assert.Len(t, freed, 5)
}

func TestRebalance_NoSurplusLeavesAssignmentsUntouched(t *testing.T) {
	assigned := map[string][]int{
		"peer-a": {0, 1},
		"peer-b": {2, 3},
	}
	remaining, freed := Rebalance(assigned, 2)
	assert.Empty(t, freed)
	assert.Len(t, remaining["peer-a"], 2)
	assert.Len(t, remaining["peer-b"], 2)
}

func TestRetryBatch_CapsAtRetryBatchSize(t *testing.T) {
	failed := make([]int, 25)
	for i := range failed {
		failed[i] = 25 - i
	}
	batch := RetryBatch(failed)
	require.Len(t, batch, RetryBatchSize)
	assert.Equal(t, 1, batch[0])
	assert.Equal(t, RetryBatchSize, batch[len(batch)-1])
}
