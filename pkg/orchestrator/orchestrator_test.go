package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiral-network/downloader/pkg/config"
	"github.com/chiral-network/downloader/pkg/dlmetrics"
	"github.com/chiral-network/downloader/pkg/dlog"
	"github.com/chiral-network/downloader/pkg/eventbus"
	"github.com/chiral-network/downloader/pkg/peerselection"
	"github.com/chiral-network/downloader/pkg/persistence"
	"github.com/chiral-network/downloader/pkg/sourceadapter"
)

func newTestOrchestrator(t *testing.T, adapters ...*fakeAdapter) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	store := &persistence.Store{
		Fs:                 afero.NewOsFs(),
		DownloadsRoot:      root,
		FsyncIntervalBytes: persistence.DefaultFsyncIntervalBytes,
		Log:                dlog.Nop(),
	}
	bus := eventbus.NewBus(64)
	metrics := dlmetrics.NewWithRegisterer(prometheus.NewRegistry())
	registry := peerselection.NewRegistry()
	cfg := config.Default()
	cfg.DownloadsRoot = root

	wired := make([]sourceadapter.Adapter, 0, len(adapters))
	for _, a := range adapters {
		wired = append(wired, a)
	}
	return New(cfg, store, bus, metrics, registry, wired, nil, nil, dlog.Nop()), root
}

func TestOrchestrator_SingleSourceDownloadCompletes(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	sum := sha256.Sum256(data)
	expectedHash := hex.EncodeToString(sum[:])

	adapter := newFakeAdapter("fake", data)
	orch, root := newTestOrchestrator(t, adapter)

	dest := filepath.Join(root, "downloads", "out.bin")
	sub := orch.bus.Subscribe()
	defer sub.Close()

	dl, err := orch.StartDownload(context.Background(), StartRequest{
		FileID:         "file-1",
		DownloadID:     "dl-1",
		Dest:           dest,
		FileSize:       int64(len(data)),
		ChunkSize:      100,
		ExpectedSha256: expectedHash,
		Sources:        []SourceRef{{Type: "fake", Identifier: "fake://file-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, dl.State())
	assert.True(t, dl.IsComplete())

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, written)

	var sawCompleted bool
	for {
		select {
		case ev := <-sub.Events:
			if ev.Kind == eventbus.KindTransferCompleted {
				sawCompleted = true
			}
		case <-time.After(50 * time.Millisecond):
			assert.True(t, sawCompleted, "expected a TransferCompleted event")
			return
		}
	}
}

func TestOrchestrator_MultiSourceSplitsAcrossPeers(t *testing.T) {
	data := make([]byte, 4000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	sum := sha256.Sum256(data)
	expectedHash := hex.EncodeToString(sum[:])

	a1 := newFakeAdapter("fakea", data)
	a2 := newFakeAdapter("fakeb", data)
	orch, root := newTestOrchestrator(t, a1, a2)

	dest := filepath.Join(root, "downloads", "multi.bin")
	dl, err := orch.StartDownload(context.Background(), StartRequest{
		FileID:         "file-2",
		DownloadID:     "dl-2",
		Dest:           dest,
		FileSize:       int64(len(data)),
		ChunkSize:      100,
		ExpectedSha256: expectedHash,
		Sources: []SourceRef{
			{Type: "fakea", Identifier: "fakea://file-2"},
			{Type: "fakeb", Identifier: "fakeb://file-2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, dl.State())

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestOrchestrator_ValidatorMismatchRestartsFromZero(t *testing.T) {
	data := make([]byte, 2000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	sum := sha256.Sum256(data)
	expectedHash := hex.EncodeToString(sum[:])

	adapter := newFakeAdapter("fake", data)
	adapter.failNextWithValidatorMismatch("fake://file-4")
	orch, root := newTestOrchestrator(t, adapter)

	dest := filepath.Join(root, "downloads", "restart.bin")
	sub := orch.bus.Subscribe()
	defer sub.Close()

	dl, err := orch.StartDownload(context.Background(), StartRequest{
		FileID:         "file-4",
		DownloadID:     "dl-4",
		Dest:           dest,
		FileSize:       int64(len(data)),
		ChunkSize:      100,
		ExpectedSha256: expectedHash,
		Sources:        []SourceRef{{Type: "fake", Identifier: "fake://file-4"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, dl.State())

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, written)

	var transferStartedCount int
	for {
		select {
		case ev := <-sub.Events:
			if ev.Kind == eventbus.KindTransferStarted {
				transferStartedCount++
			}
		case <-time.After(50 * time.Millisecond):
			assert.Equal(t, 2, transferStartedCount, "expected one TransferStarted for the initial run and one for the restart")
			return
		}
	}
}

func TestOrchestrator_ChecksumMismatchFails(t *testing.T) {
	data := []byte("hello orchestrator world, this is test content for hashing")
	adapter := newFakeAdapter("fake", data)
	orch, root := newTestOrchestrator(t, adapter)

	dest := filepath.Join(root, "downloads", "bad.bin")
	_, err := orch.StartDownload(context.Background(), StartRequest{
		FileID:         "file-3",
		DownloadID:     "dl-3",
		Dest:           dest,
		FileSize:       int64(len(data)),
		ChunkSize:      8,
		ExpectedSha256: "0000000000000000000000000000000000000000000000000000000000000000",
		Sources:        []SourceRef{{Type: "fake", Identifier: "fake://file-3"}},
	})
	require.Error(t, err)
}
