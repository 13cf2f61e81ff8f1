package orchestrator

import (
	"time"

	"github.com/chiral-network/downloader/pkg/eventbus"
	"github.com/chiral-network/downloader/pkg/persistence"
)

// statsPollInterval is how often the BitTorrent-only stats poller checks
// peer counts on an active swarm.
const statsPollInterval = 5 * time.Second

// runMonitor starts the progress-tick goroutine for dl and returns a
// function that stops it. The monitor is the only task besides the
// supervisor allowed to touch metadata (via PersistingProgress snapshots);
// every other write happens through Download's locked accessor methods.
func (o *Orchestrator) runMonitor(dl *Download) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(ProgressEventInterval)
		defer ticker.Stop()

		last := Sample{At: dl.StartedAt, Bytes: 0}
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				cur := Sample{At: now, Bytes: dl.CompletedBytes()}
				speed := Speed(last, cur)
				last = cur

				total := dl.Plan.FileSize
				o.bus.Publish(eventbus.Event{
					TransferID:  dl.DownloadID,
					TimestampMs: now.UnixMilli(),
					Kind:        eventbus.KindTransferProgress,
					Payload: eventbus.TransferProgressFields{
						DownloadedBytes:    cur.Bytes,
						TotalBytes:         total,
						CompletedChunks:    dl.CompletedChunkCount(),
						TotalChunks:        dl.Plan.TotalChunks(),
						ProgressPercentage: ProgressPercentage(cur.Bytes, total),
						DownloadSpeedBps:   speed,
						EtaSeconds:         ETASeconds(total, cur.Bytes, speed),
						ActiveSources:      dl.ActiveSourceCount(),
					},
				})

				o.persistProgress(dl)
			}
		}
	}()
	return func() { close(stop) }
}

// persistProgress snapshots bytes_downloaded to the on-disk metadata file,
// the durability boundary the crash-safety invariant depends on.
func (o *Orchestrator) persistProgress(dl *Download) {
	etag, lastModified := dl.Validator()
	meta := &persistence.Metadata{
		Version:         persistence.CurrentVersion,
		DownloadID:      dl.DownloadID,
		SourceURL:       firstSourceIdentifier(dl.Sources),
		Etag:            etag,
		ExpectedSize:    dl.Plan.FileSize,
		BytesDownloaded: dl.CompletedBytes(),
		LastModified:    lastModified,
	}
	if err := meta.Validate(); err != nil {
		return
	}
	_ = persistence.WriteMetadataAtomic(o.store.Fs, dl.Dest, meta)
}

func firstSourceIdentifier(sources []SourceRef) string {
	if len(sources) == 0 {
		return ""
	}
	return sources[0].Identifier
}
