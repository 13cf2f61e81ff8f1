package orchestrator

import "sort"

// MaxChunksPerPeer bounds how many chunks a single source worker is
// handed in one assignment wave.
const MaxChunksPerPeer = 10

// MinChunksForParallel is the smallest chunk count that still splits
// across peers; below it the orchestrator falls back to a single source.
const MinChunksForParallel = 4

// RetryBatchSize bounds how many failed chunks are reassigned to a peer
// in one retry pass.
const RetryBatchSize = 10

// Assignment is one peer's contiguous block of chunk IDs for a wave.
type Assignment struct {
	PeerID string
	First  int // inclusive
	Last   int // inclusive
}

// Count returns the number of chunks in the assignment.
func (a Assignment) Count() int { return a.Last - a.First + 1 }

// PlanWave assigns pending chunk IDs to peers in contiguous blocks,
// round-robin across peers, bounded by MaxChunksPerPeer per peer. The
// adapters expose a contiguous-range Download, so a "round robin across
// peers" wave hands each peer a contiguous slice rather than interleaving
// individual chunk IDs; the round-robin spirit is preserved at the
// wave/peer granularity instead of the single-chunk granularity.
//
// If there are fewer pending chunks than MinChunksForParallel, or fewer
// than two peers, all pending chunks are handed to the first peer (or
// returned as a single assignment with an empty peer ID, for the caller
// to bind to whichever single source it is using).
func PlanWave(pending []int, peers []string) []Assignment {
	if len(pending) == 0 {
		return nil
	}
	sorted := append([]int(nil), pending...)
	sort.Ints(sorted)

	if len(peers) == 0 {
		return []Assignment{contiguousAssignment("", sorted)}
	}
	if len(sorted) < MinChunksForParallel || len(peers) == 1 {
		return []Assignment{contiguousAssignment(peers[0], sorted)}
	}

	perPeer := (len(sorted) + len(peers) - 1) / len(peers)
	if perPeer > MaxChunksPerPeer {
		perPeer = MaxChunksPerPeer
	}
	if perPeer < 1 {
		perPeer = 1
	}

	var out []Assignment
	idx := 0
	peerIdx := 0
	for idx < len(sorted) {
		block := sorted[idx:min(idx+perPeer, len(sorted))]
		out = append(out, contiguousAssignment(peers[peerIdx%len(peers)], block))
		idx += len(block)
		peerIdx++
	}
	return out
}

func contiguousAssignment(peerID string, ids []int) Assignment {
	return Assignment{PeerID: peerID, First: ids[0], Last: ids[len(ids)-1]}
}

// Rebalance redistributes surplus chunks from peers holding more than the
// fair share (ceil(total/peerCount)) back into the pending pool, so a
// subsequent PlanWave call can hand them to less-loaded peers. It returns
// the updated per-peer assignment counts and the chunk IDs freed.
func Rebalance(assigned map[string][]int, peerCount int) (remaining map[string][]int, freed []int) {
	if peerCount <= 0 {
		return assigned, nil
	}
	total := 0
	for _, ids := range assigned {
		total += len(ids)
	}
	fairShare := (total + peerCount - 1) / peerCount

	remaining = make(map[string][]int, len(assigned))
	for peer, ids := range assigned {
		sort.Ints(ids)
		if len(ids) <= fairShare {
			remaining[peer] = ids
			continue
		}
		remaining[peer] = append([]int(nil), ids[:fairShare]...)
		freed = append(freed, ids[fairShare:]...)
	}
	sort.Ints(freed)
	return remaining, freed
}

// RetryBatch returns up to RetryBatchSize chunk IDs from failed, in
// ascending order, for reassignment to currently connected peers.
func RetryBatch(failed []int) []int {
	sorted := append([]int(nil), failed...)
	sort.Ints(sorted)
	if len(sorted) > RetryBatchSize {
		sorted = sorted[:RetryBatchSize]
	}
	return sorted
}
