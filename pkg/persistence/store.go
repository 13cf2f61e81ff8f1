// Package persistence implements the crash-safe, path-sandboxed on-disk
// substrate described in "Persistence Layer": atomic metadata writes, a
// doubly-locked .part writer with a bounded fsync policy, and a finalize
// step that works across filesystem boundaries.
package persistence

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/chiral-network/downloader/pkg/dlerr"
	"github.com/chiral-network/downloader/pkg/dlog"
)

// DefaultFsyncIntervalBytes is how many appended bytes trigger an fsync.
const DefaultFsyncIntervalBytes int64 = 8 * 1024 * 1024

// Store owns one downloads root and enforces the sandbox + fsync policy for
// every destination beneath it.
type Store struct {
	Fs                 afero.Fs
	DownloadsRoot      string
	FsyncIntervalBytes int64
	Log                dlog.Interface
}

// NewStore builds a Store rooted at downloadsRoot on the real OS filesystem.
func NewStore(downloadsRoot string, log dlog.Interface) *Store {
	if log == nil {
		log = dlog.Nop()
	}
	return &Store{
		Fs:                 afero.NewOsFs(),
		DownloadsRoot:      downloadsRoot,
		FsyncIntervalBytes: DefaultFsyncIntervalBytes,
		Log:                log,
	}
}

// Preflight ensures dest's parent directory exists and that there is enough
// free space for the remaining bytes of the transfer.
func (s *Store) Preflight(dest string, expectedSize, alreadyDownloaded int64) error {
	parent := filepath.Dir(dest)
	if err := s.Fs.MkdirAll(parent, 0o755); err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "Preflight.mkdir", parent, err)
	}

	available, err := freeSpace(parent)
	if err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "Preflight.statfs", parent, err)
	}

	needed := expectedSize - alreadyDownloaded
	if needed > available {
		return dlerr.New(dlerr.KindDiskFull, "Preflight",
			diskFullErr(needed, available))
	}
	return nil
}

func freeSpace(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// Writer is an open, locked .part file plus the fsync-policy bookkeeping
// needed to durably track bytes_downloaded.
type Writer struct {
	store       *Store
	dest        string
	lock        *PartLock
	meta        *Metadata
	sinceSync   int64
}

// OpenForResume opens (creating if absent) the .part file for dest, taking
// the two-layer lock, and returns a Writer positioned at the resume offset
// recorded in meta. Callers must have already performed resume validation
// (ValidateResume) before calling this.
func (s *Store) OpenForResume(dest string, meta *Metadata) (*Writer, error) {
	lock, err := AcquirePartLock(partPath(dest))
	if err != nil {
		return nil, err
	}
	if _, err := lock.File().Seek(meta.BytesDownloaded, io.SeekStart); err != nil {
		lock.Release()
		return nil, dlerr.Wrap(dlerr.KindIoError, "OpenForResume.seek", dest, err)
	}
	return &Writer{store: s, dest: dest, lock: lock, meta: meta}, nil
}

// Append writes data at the writer's current position, advancing
// bytes_downloaded only after a successful fsync boundary (every
// FsyncIntervalBytes) or on Finalize/Close, per the fsync policy.
func (w *Writer) Append(data []byte) error {
	n, err := w.lock.File().Write(data)
	if err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "Writer.Append", w.dest, err)
	}
	w.sinceSync += int64(n)

	interval := w.store.FsyncIntervalBytes
	if interval <= 0 {
		interval = DefaultFsyncIntervalBytes
	}
	if w.sinceSync >= interval {
		if err := w.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Sync fsyncs the .part file and persists bytes_downloaded to metadata —
// the durability boundary: bytes_downloaded in metadata is never allowed to
// claim more than exists on disk.
func (w *Writer) Sync() error {
	if w.sinceSync == 0 {
		return nil
	}
	if err := w.lock.File().Sync(); err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "Writer.Sync", w.dest, err)
	}
	pos, err := w.lock.File().Seek(0, io.SeekCurrent)
	if err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "Writer.Sync.tell", w.dest, err)
	}
	w.meta.BytesDownloaded = pos
	if err := WriteMetadataAtomic(w.store.Fs, w.dest, w.meta); err != nil {
		return err
	}
	w.sinceSync = 0
	return nil
}

// Close fsyncs any remaining bytes and releases the lock; it does not
// delete the .part file.
func (w *Writer) Close() error {
	if err := w.Sync(); err != nil {
		w.lock.Release()
		return err
	}
	return w.lock.Release()
}

// ValidateResume reads metadata for dest and checks it against the on-disk
// .part length. If they disagree, the download must restart cleanly: prior
// artifacts are removed and the caller re-enters PreflightStorage from
// scratch. Returns (meta, needsRestart, error). meta is nil when there is
// no prior state at all (fresh start, not a restart).
func (s *Store) ValidateResume(dest string) (meta *Metadata, needsRestart bool, err error) {
	meta, err = ReadMetadata(s.Fs, dest)
	if err != nil {
		return nil, false, err
	}
	if meta == nil {
		return nil, false, nil
	}

	info, statErr := s.Fs.Stat(partPath(dest))
	actualLen := int64(0)
	if statErr == nil {
		actualLen = info.Size()
	} else if !os.IsNotExist(statErr) {
		return nil, false, dlerr.Wrap(dlerr.KindIoError, "ValidateResume.stat", dest, statErr)
	}

	if actualLen != meta.BytesDownloaded {
		s.Log.WithError(&PartSizeMismatchDetail{Expected: meta.BytesDownloaded, Actual: actualLen}).
			Warnf("resume state mismatch for %s, restarting", dest)
		if err := RemoveArtifacts(s.Fs, dest); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	return meta, false, nil
}

// Finalize moves the completed .part file to dest. It tries a rename first;
// on a cross-device error it stream-copies and fsyncs the destination
// instead. It is idempotent: if .part is already gone and dest exists with
// the expected size, it is a no-op. The metadata file is removed last.
func (s *Store) Finalize(dest string, expectedSize int64) error {
	part := partPath(dest)

	if _, err := s.Fs.Stat(part); err != nil && os.IsNotExist(err) {
		if info, destErr := s.Fs.Stat(dest); destErr == nil {
			if expectedSize <= 0 || info.Size() == expectedSize {
				return s.removeMetaOnly(dest)
			}
		}
		return dlerr.Wrap(dlerr.KindIoError, "Finalize", dest,
			io.ErrUnexpectedEOF)
	}

	if err := s.Fs.Rename(part, dest); err != nil {
		if err := s.crossDeviceCopy(part, dest); err != nil {
			return err
		}
	}
	return s.removeMetaOnly(dest)
}

func (s *Store) crossDeviceCopy(part, dest string) error {
	src, err := s.Fs.Open(part)
	if err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "Finalize.crossDeviceCopy.open", part, err)
	}
	defer src.Close()

	dst, err := s.Fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "Finalize.crossDeviceCopy.create", dest, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return dlerr.Wrap(dlerr.KindIoError, "Finalize.crossDeviceCopy.copy", dest, err)
	}
	if syncer, ok := dst.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			dst.Close()
			return dlerr.Wrap(dlerr.KindIoError, "Finalize.crossDeviceCopy.sync", dest, err)
		}
	}
	if err := dst.Close(); err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "Finalize.crossDeviceCopy.close", dest, err)
	}
	if err := s.Fs.Remove(part); err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "Finalize.crossDeviceCopy.removePart", part, err)
	}
	return nil
}

func (s *Store) removeMetaOnly(dest string) error {
	if err := s.Fs.Remove(metaPath(dest)); err != nil && !os.IsNotExist(err) {
		return dlerr.Wrap(dlerr.KindIoError, "Finalize.removeMeta", dest, err)
	}
	return nil
}
