package orchestrator

import (
	"sync"
	"time"

	"github.com/chiral-network/downloader/pkg/chunkplan"
)

// ChunkStatus is the dispatch status of a single chunk within a download.
type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkAssigned
	ChunkCompleted
	ChunkFailed
)

// SourceRef is one candidate source for a download: an adapter-specific
// identifier (magnet link, https URL, ftp URL, ed2k link, webrtc peer/file
// pair) plus the source type label used in events and metrics.
type SourceRef struct {
	Type       string
	Identifier string
}

// Download tracks the mutable dispatch state of a single in-flight
// transfer: which chunks are pending, assigned, completed, or failed, who
// owns each in-flight assignment, and the running byte totals the monitor
// reports. The supervisor task is its only writer; everyone else reads
// through the exported accessor methods, which take the lock.
type Download struct {
	mu sync.Mutex

	FileID     string
	DownloadID string
	Dest       string
	Plan       *chunkplan.Plan
	Sources    []SourceRef

	StartedAt time.Time

	state State

	status      []ChunkStatus
	assignedTo  map[int]string
	failedCount map[int]int

	completedBytes int64
	uploadedBytes  int64

	canceled bool
	paused   bool

	etag         string
	lastModified string
	restartNeeded bool
}

// NewDownload builds a Download in StateIdle with every chunk pending.
func NewDownload(fileID, downloadID, dest string, plan *chunkplan.Plan, sources []SourceRef) *Download {
	return &Download{
		FileID:      fileID,
		DownloadID:  downloadID,
		Dest:        dest,
		Plan:        plan,
		Sources:     sources,
		state:       StateIdle,
		status:      make([]ChunkStatus, plan.TotalChunks()),
		assignedTo:  make(map[int]string),
		failedCount: make(map[int]int),
	}
}

// State returns the download's current lifecycle state.
func (d *Download) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Transition moves the download to next if the edge is valid, returning
// false if the machine rejects it. The caller (the supervisor) decides
// what to do with a rejected transition; Transition never panics on an
// invalid edge.
func (d *Download) Transition(next State) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !CanTransition(d.state, next) {
		return false
	}
	d.state = next
	return true
}

// PendingChunks returns the IDs of every chunk not yet completed and not
// currently assigned, in ascending order.
func (d *Download) PendingChunks() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int
	for id, st := range d.status {
		if st == ChunkPending || st == ChunkFailed {
			out = append(out, id)
		}
	}
	return out
}

// Assign marks every chunk in a as in-flight against a.PeerID.
func (d *Download) Assign(a Assignment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := a.First; id <= a.Last; id++ {
		d.status[id] = ChunkAssigned
		d.assignedTo[id] = a.PeerID
	}
}

// CompleteChunk marks a single chunk done and adds its size to the
// downloaded byte total. Idempotent: completing an already-completed
// chunk is a no-op, since a retried range can overlap a prior partial
// success.
func (d *Download) CompleteChunk(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status[id] == ChunkCompleted {
		return
	}
	d.status[id] = ChunkCompleted
	delete(d.assignedTo, id)
	d.completedBytes += d.Plan.Chunks[id].Size
}

// FailChunk returns a chunk to the pending pool for reassignment and
// reports its cumulative failure count for this download.
func (d *Download) FailChunk(id int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[id] = ChunkFailed
	delete(d.assignedTo, id)
	d.failedCount[id]++
	return d.failedCount[id]
}

// FailureCount returns how many times chunk id has failed so far.
func (d *Download) FailureCount(id int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failedCount[id]
}

// CompletedBytes returns the running total of bytes in completed chunks.
func (d *Download) CompletedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completedBytes
}

// CompletedChunkCount returns how many chunks have reached ChunkCompleted.
func (d *Download) CompletedChunkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, st := range d.status {
		if st == ChunkCompleted {
			n++
		}
	}
	return n
}

// IsComplete reports whether every chunk in the plan has completed.
func (d *Download) IsComplete() bool {
	return d.CompletedChunkCount() == len(d.status)
}

// ActiveSourceCount returns the number of distinct peers currently holding
// an assignment.
func (d *Download) ActiveSourceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]struct{}, len(d.assignedTo))
	for _, peer := range d.assignedTo {
		seen[peer] = struct{}{}
	}
	return len(seen)
}

// SetCanceled records a cancellation request; workers observe it at their
// next await point.
func (d *Download) SetCanceled() {
	d.mu.Lock()
	d.canceled = true
	d.mu.Unlock()
}

// Canceled reports whether cancellation has been requested.
func (d *Download) Canceled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canceled
}

// SetPaused records the pause/resume flag a new worker wave checks before
// claiming an assignment.
func (d *Download) SetPaused(p bool) {
	d.mu.Lock()
	d.paused = p
	d.mu.Unlock()
}

// Paused reports whether the download is currently paused.
func (d *Download) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// SetValidator records the resume validator most recently observed from the
// source (a strong ETag, or "" when only a weak/absent one is available),
// so the monitor can persist it alongside bytes_downloaded.
func (d *Download) SetValidator(etag, lastModified string) {
	d.mu.Lock()
	d.etag = etag
	d.lastModified = lastModified
	d.mu.Unlock()
}

// Validator returns the last recorded resume validator.
func (d *Download) Validator() (etag, lastModified string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.etag, d.lastModified
}

// RequestRestart flags that the current .part/metadata pair is no longer
// resume-safe (an ETag flip or a 200-on-range response mid-transfer) and
// must be discarded; the dispatch loop checks this at the top of every
// wave via ConsumeRestartNeeded.
func (d *Download) RequestRestart() {
	d.mu.Lock()
	d.restartNeeded = true
	d.mu.Unlock()
}

// ConsumeRestartNeeded reports whether a restart was requested and clears
// the flag.
func (d *Download) ConsumeRestartNeeded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	needed := d.restartNeeded
	d.restartNeeded = false
	return needed
}

// ResetForFreshStart discards all dispatch progress (every chunk back to
// pending, no assignments, zero completed bytes) without touching the
// source list or chunk plan. Used when entering Restarting: the validator
// changed or proved unsafe, so bytes already written cannot be trusted.
func (d *Download) ResetForFreshStart() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.status {
		d.status[i] = ChunkPending
	}
	d.assignedTo = make(map[int]string)
	d.failedCount = make(map[int]int)
	d.completedBytes = 0
	d.etag = ""
	d.lastModified = ""
}
