package persistence

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// lockRegistry is the process-local layer of the two-layer locking scheme:
// it prevents two goroutines in this process from opening the same .part
// path concurrently, before the OS advisory lock is even attempted.
var lockRegistry = struct {
	mu    sync.Mutex
	paths map[string]struct{}
}{paths: make(map[string]struct{})}

// PartLock holds both layers of ownership for one .part file: the
// process-local reservation and the OS advisory exclusive lock on the fd.
type PartLock struct {
	path string
	file *os.File
}

// AcquirePartLock takes non-blocking ownership of path's .part file. On any
// contention — intra-process or cross-process — it fails fast with
// LockFailed rather than blocking, per the "Locking" contract.
func AcquirePartLock(path string) (*PartLock, error) {
	lockRegistry.mu.Lock()
	if _, taken := lockRegistry.paths[path]; taken {
		lockRegistry.mu.Unlock()
		return nil, dlerr.Wrap(dlerr.KindLockFailed, "AcquirePartLock.process", path, nil)
	}
	lockRegistry.paths[path] = struct{}{}
	lockRegistry.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		releaseProcessReservation(path)
		return nil, dlerr.Wrap(dlerr.KindIoError, "AcquirePartLock.open", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		releaseProcessReservation(path)
		return nil, dlerr.Wrap(dlerr.KindLockFailed, "AcquirePartLock.flock", path, err)
	}

	return &PartLock{path: path, file: f}, nil
}

// File returns the locked *os.File for the caller to read/write.
func (l *PartLock) File() *os.File { return l.file }

// Release drops both the OS advisory lock and the process-local reservation.
// Best-effort on the final fsync, matching "the writer also best-effort
// fsyncs on drop".
func (l *PartLock) Release() error {
	_ = l.file.Sync()
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	releaseProcessReservation(l.path)
	if err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "PartLock.Release.unlock", l.path, err)
	}
	if closeErr != nil {
		return dlerr.Wrap(dlerr.KindIoError, "PartLock.Release.close", l.path, closeErr)
	}
	return nil
}

func releaseProcessReservation(path string) {
	lockRegistry.mu.Lock()
	delete(lockRegistry.paths, path)
	lockRegistry.mu.Unlock()
}
