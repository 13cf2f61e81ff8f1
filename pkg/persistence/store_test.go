package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiral-network/downloader/pkg/dlerr"
	"github.com/chiral-network/downloader/pkg/dlog"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	return &Store{
		Fs:                 afero.NewOsFs(),
		DownloadsRoot:      root,
		FsyncIntervalBytes: 16,
		Log:                dlog.Nop(),
	}, root
}

func TestSandboxPath_RejectsTraversal(t *testing.T) {
	_, root := newTestStore(t)
	fs := afero.NewOsFs()

	ok, err := SandboxPath(fs, root, "subdir/file.bin")
	require.NoError(t, err)
	assert.True(t, filepathHasPrefix(ok, root))

	_, err = SandboxPath(fs, root, "../../etc/passwd")
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindPathTraversal))
}

func filepathHasPrefix(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && len(rel) > 0 && rel[0:2] != ".."
}

func TestWriter_FsyncBoundaryAndResume(t *testing.T) {
	store, root := newTestStore(t)
	dest := filepath.Join(root, "model.bin")

	meta := &Metadata{Version: CurrentVersion, DownloadID: "d1", ExpectedSize: 64, Etag: `"v1"`}
	require.NoError(t, store.Preflight(dest, 64, 0))

	w, err := store.OpenForResume(dest, meta)
	require.NoError(t, err)

	require.NoError(t, w.Append(make([]byte, 10))) // below interval, no fsync yet
	loaded, err := ReadMetadata(store.Fs, dest)
	require.NoError(t, err)
	assert.Nil(t, loaded, "metadata must not exist before first fsync boundary")

	require.NoError(t, w.Append(make([]byte, 10))) // crosses the 16-byte interval
	loaded, err = ReadMetadata(store.Fs, dest)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(20), loaded.BytesDownloaded)

	require.NoError(t, w.Close())

	// Simulate a crash: .part length must equal the last fsynced bytes_downloaded.
	info, err := os.Stat(partPath(dest))
	require.NoError(t, err)
	assert.Equal(t, loaded.BytesDownloaded, info.Size())
}

func TestValidateResume_MismatchTriggersRestart(t *testing.T) {
	store, root := newTestStore(t)
	dest := filepath.Join(root, "model.bin")

	meta := &Metadata{Version: CurrentVersion, DownloadID: "d1", ExpectedSize: 64}
	require.NoError(t, WriteMetadataAtomic(store.Fs, dest, meta))
	// No .part file written at all => length 0 != meta.BytesDownloaded (also 0) -> matches.
	_, restart, err := store.ValidateResume(dest)
	require.NoError(t, err)
	assert.False(t, restart)

	// Now claim bytes_downloaded=32 with no matching .part content.
	meta.BytesDownloaded = 32
	require.NoError(t, WriteMetadataAtomic(store.Fs, dest, meta))
	_, restart, err = store.ValidateResume(dest)
	require.NoError(t, err)
	assert.True(t, restart)

	exists, _ := afero.Exists(store.Fs, metaPath(dest))
	assert.False(t, exists, "restart must clear stale metadata")
}

func TestAcquirePartLock_SecondAcquireFails(t *testing.T) {
	_, root := newTestStore(t)
	path := filepath.Join(root, "x.part")

	l1, err := AcquirePartLock(path)
	require.NoError(t, err)
	defer l1.Release()

	_, err = AcquirePartLock(path)
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindLockFailed))
}

func TestFinalize_Idempotent(t *testing.T) {
	store, root := newTestStore(t)
	dest := filepath.Join(root, "model.bin")
	meta := &Metadata{Version: CurrentVersion, ExpectedSize: 4}
	require.NoError(t, store.Preflight(dest, 4, 0))
	w, err := store.OpenForResume(dest, meta)
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("ok!!")))
	require.NoError(t, w.Close())

	require.NoError(t, store.Finalize(dest, 4))
	exists, _ := afero.Exists(store.Fs, partPath(dest))
	assert.False(t, exists)
	content, err := afero.ReadFile(store.Fs, dest)
	require.NoError(t, err)
	assert.Equal(t, "ok!!", string(content))

	// Finalize again: .part is gone, dest matches size => no-op, no error.
	require.NoError(t, store.Finalize(dest, 4))
}
