package orchestrator

import (
	"context"
	"time"

	"github.com/chiral-network/downloader/pkg/dlerr"
	"github.com/chiral-network/downloader/pkg/eventbus"
	"github.com/chiral-network/downloader/pkg/peerselection"
	"github.com/chiral-network/downloader/pkg/sourceadapter"
)

// runAssignment drives one source worker for the lifetime of a single
// contiguous chunk-range assignment: it owns exclusive control of the
// adapter call and the byte range for that duration, per the concurrency
// model's per-source-worker rule. It never retries internally; a failure
// returns the chunks to the pending pool for the supervisor's next wave.
func (o *Orchestrator) runAssignment(ctx context.Context, dl *Download, src SourceRef, adapter sourceadapter.Adapter, a Assignment) {
	start, _, ok := dl.Plan.ByteRange(a.First)
	if !ok {
		o.failAssignment(dl, a, src, "invalid_chunk_range", peerselection.FailureOther)
		return
	}
	_, end, ok := dl.Plan.ByteRange(a.Last)
	if !ok {
		o.failAssignment(dl, a, src, "invalid_chunk_range", peerselection.FailureOther)
		return
	}

	opts := sourceadapter.DownloadOptions{
		Destination:         partDestination(dl.Dest),
		RangeStart:          start,
		RangeEnd:            end - 1,
		ChunkSize:           dl.Plan.ChunkSize,
		MaxConcurrentChunks: o.cfg.MaxConcurrentChunksPerSource,
		ConnectTimeout:      time.Duration(o.cfg.ConnectionTimeoutSecs) * time.Second,
		RequestTimeout:      time.Duration(o.cfg.ChunkRequestTimeoutSecs) * time.Second,
		MaxRetryAttempts:    o.cfg.MaxRetryAttempts,
	}

	started := time.Now()
	handle, err := adapter.Download(ctx, src.Identifier, opts)
	if err != nil {
		o.failAssignment(dl, a, src, "connect_failed", peerselection.FailureConnectionRefused)
		return
	}

	o.bus.Publish(eventbus.Event{
		TransferID:  dl.DownloadID,
		TimestampMs: nowMs(),
		Kind:        eventbus.KindSourceConnected,
		Payload: eventbus.SourceConnectedFields{
			SourceID:        src.Identifier,
			SourceType:      src.Type,
			ChunksCompleted: dl.CompletedChunkCount(),
			WillRetry:       false,
		},
	})

	waitErr := handle.Wait(ctx)
	duration := time.Since(started)
	if waitErr != nil {
		reason := "source_error"
		failureKind := peerselection.FailureTimeout
		if kind, ok := dlerr.KindOf(waitErr); ok {
			switch kind {
			case dlerr.KindRangeUnsupported, dlerr.KindWeakEtag:
				// The validator the prior .part was written against no
				// longer holds (200-on-resumed-range, 416, or a weak
				// ETag): the whole download — not just this assignment —
				// must discard its progress and restart from zero, per
				// the Restarting edge. Requeuing these chunks alone would
				// splice fresh bytes into a .part built against the old
				// validator.
				dl.RequestRestart()
				reason = "validator_mismatch"
				failureKind = peerselection.FailureOther
			case dlerr.KindNetworkError, dlerr.KindUnreachable:
				failureKind = peerselection.FailureConnectionRefused
			}
		}
		o.failAssignment(dl, a, src, reason, failureKind)
		o.bus.Publish(eventbus.Event{
			TransferID:  dl.DownloadID,
			TimestampMs: nowMs(),
			Kind:        eventbus.KindSourceDisconnected,
			Payload: eventbus.SourceDisconnectedFields{
				SourceID:        src.Identifier,
				SourceType:      src.Type,
				Reason:          eventbus.DisconnectNetworkError,
				ChunksCompleted: dl.CompletedChunkCount(),
				WillRetry:       true,
			},
		})
		return
	}

	perChunkMs := int64(0)
	if n := a.Count(); n > 0 {
		perChunkMs = duration.Milliseconds() / int64(n)
	}
	var bytesMoved int64
	for id := a.First; id <= a.Last; id++ {
		dl.CompleteChunk(id)
		bytesMoved += dl.Plan.Chunks[id].Size
		o.bus.Publish(eventbus.Event{
			TransferID:  dl.DownloadID,
			TimestampMs: nowMs(),
			Kind:        eventbus.KindChunkCompleted,
			Payload: eventbus.ChunkCompletedFields{
				ChunkID:            id,
				ChunkSize:          dl.Plan.Chunks[id].Size,
				SourceID:           src.Identifier,
				SourceType:         src.Type,
				DownloadDurationMs: perChunkMs,
				Verified:           false,
			},
		})
	}

	o.metrics.BytesBySource(src.Type, dl.FileID, bytesMoved)
	o.metrics.BytesDownloaded(bytesMoved)
	if m, found := o.registry.Get(src.Identifier); found {
		m.RecordSuccessfulTransfer(uint64(bytesMoved), duration)
	}
}

// failAssignment returns every chunk in a to the pending pool and records
// the failure against the offending peer and the requeue metric.
func (o *Orchestrator) failAssignment(dl *Download, a Assignment, src SourceRef, reason string, kind peerselection.FailureKind) {
	for id := a.First; id <= a.Last; id++ {
		dl.FailChunk(id)
		o.metrics.ChunkRequeued(reason)
	}
	if m, found := o.registry.Get(src.Identifier); found {
		m.RecordFailedTransfer(kind)
	}
}

// partDestination returns the path adapters write to while a download is
// in flight; Finalize later moves it to its real destination.
func partDestination(dest string) string {
	return dest + ".part"
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
