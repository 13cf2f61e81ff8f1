package orchestrator

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chiral-network/downloader/pkg/dlerr"
	"github.com/chiral-network/downloader/pkg/sourceadapter"
)

// fakeAdapter is an in-memory stand-in for a real transport: it "supports"
// any identifier with its configured scheme prefix and, on Download,
// writes deterministic filler bytes into the assigned byte range of the
// destination file.
type fakeAdapter struct {
	scheme string
	source []byte

	mu                sync.Mutex
	fail              map[string]bool
	validatorMismatch map[string]bool
}

func newFakeAdapter(scheme string, source []byte) *fakeAdapter {
	return &fakeAdapter{
		scheme:            scheme,
		source:            source,
		fail:              make(map[string]bool),
		validatorMismatch: make(map[string]bool),
	}
}

func (a *fakeAdapter) Capabilities() sourceadapter.Capabilities {
	return sourceadapter.Capabilities{MultiSource: true, PauseResume: false}
}

func (a *fakeAdapter) Supports(identifier string) bool {
	return strings.HasPrefix(identifier, a.scheme+"://")
}

func (a *fakeAdapter) failNext(identifier string) {
	a.mu.Lock()
	a.fail[identifier] = true
	a.mu.Unlock()
}

// failNextWithValidatorMismatch arranges for the next Download against
// identifier to fail as if the HTTP adapter had detected a validator
// change mid-transfer (200-on-resumed-range / 416 / weak ETag), so tests
// can exercise the orchestrator's restart-from-zero path without a real
// HTTP server.
func (a *fakeAdapter) failNextWithValidatorMismatch(identifier string) {
	a.mu.Lock()
	a.validatorMismatch[identifier] = true
	a.mu.Unlock()
}

// ProbeValidator reports a fixed strong ETag, making fakeAdapter satisfy
// sourceadapter.Validator so restoreResumeState's validator check runs
// against it in tests.
func (a *fakeAdapter) ProbeValidator(ctx context.Context, identifier string) (sourceadapter.ValidatorInfo, error) {
	return sourceadapter.ValidatorInfo{
		Size:       int64(len(a.source)),
		Etag:       `"fake-etag"`,
		StrongEtag: true,
	}, nil
}

var _ sourceadapter.Validator = (*fakeAdapter)(nil)

type fakeHandle struct {
	identifier string
	done       chan struct{}
	err        error
}

func (h *fakeHandle) Identifier() string { return h.identifier }
func (h *fakeHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *fakeAdapter) Download(ctx context.Context, identifier string, opts sourceadapter.DownloadOptions) (sourceadapter.Handle, error) {
	h := &fakeHandle{identifier: identifier, done: make(chan struct{})}
	go func() {
		defer close(h.done)

		a.mu.Lock()
		shouldFail := a.fail[identifier]
		a.fail[identifier] = false
		shouldMismatch := a.validatorMismatch[identifier]
		a.validatorMismatch[identifier] = false
		a.mu.Unlock()
		if shouldFail {
			h.err = dlerr.New(dlerr.KindNetworkError, "fakeAdapter.Download", context.DeadlineExceeded)
			return
		}
		if shouldMismatch {
			h.err = dlerr.New(dlerr.KindRangeUnsupported, "fakeAdapter.Download", nil)
			return
		}

		end := opts.RangeEnd
		if end < 0 || end < opts.RangeStart {
			end = int64(len(a.source)) - 1
		}

		f, err := os.OpenFile(opts.Destination, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			h.err = err
			return
		}
		defer f.Close()

		if _, err := f.WriteAt(a.source[opts.RangeStart:end+1], opts.RangeStart); err != nil {
			h.err = err
			return
		}
	}()
	return h, nil
}

func (a *fakeAdapter) Seed(context.Context, string, sourceadapter.SeedOptions) (*sourceadapter.SeedingInfo, error) {
	return nil, dlerr.New(dlerr.KindNotSupported, "fakeAdapter.Seed", nil)
}
func (a *fakeAdapter) StopSeeding(string) error { return nil }
func (a *fakeAdapter) PauseDownload(string) error  { return dlerr.New(dlerr.KindNotSupported, "fakeAdapter.PauseDownload", nil) }
func (a *fakeAdapter) ResumeDownload(string) error { return dlerr.New(dlerr.KindNotSupported, "fakeAdapter.ResumeDownload", nil) }
func (a *fakeAdapter) CancelDownload(string) error { return nil }
func (a *fakeAdapter) Progress(string) (sourceadapter.Progress, error) {
	return sourceadapter.Progress{State: sourceadapter.StateCompleted}, nil
}

var _ sourceadapter.Adapter = (*fakeAdapter)(nil)

func waitFor(t interface {
	Fatalf(format string, args ...interface{})
}, cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
