package sourceadapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// HTTPAdapter downloads over plain HTTP(S) using byte-range requests,
// following the teacher's own httpClient construction for metainfo
// fetching (explicit transport timeouts, no blanket client timeout so a
// large in-flight transfer isn't killed by an overall deadline).
type HTTPAdapter struct {
	client *http.Client

	mu        sync.Mutex
	downloads map[string]*httpDownload
}

type httpDownload struct {
	mu       sync.Mutex
	progress Progress
	cancel   context.CancelFunc
	paused   bool
	done     chan struct{}
}

// NewHTTPAdapter builds an HTTPAdapter with the teacher's transport-level
// timeout profile.
func NewHTTPAdapter() *HTTPAdapter {
	return &HTTPAdapter{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       60 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse // mirror switching is unsafe without revalidating the validator
			},
		},
		downloads: make(map[string]*httpDownload),
	}
}

func (a *HTTPAdapter) Capabilities() Capabilities {
	return Capabilities{Seeding: false, PauseResume: true, MultiSource: true, Encryption: false, DHTAssist: false}
}

func (a *HTTPAdapter) Supports(identifier string) bool {
	return strings.HasPrefix(identifier, "http://") || strings.HasPrefix(identifier, "https://")
}

// probe determines the resource size and a resume validator, per the
// HEAD-then-Range-fallback sequence in the spec.
func (a *HTTPAdapter) probe(ctx context.Context, url string) (size int64, etag string, strongEtag bool, lastModified string, err error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if reqErr != nil {
		return 0, "", false, "", dlerr.New(dlerr.KindInvalidURL, "HTTPAdapter.probe", reqErr)
	}
	resp, doErr := a.client.Do(req)
	if doErr != nil {
		return 0, "", false, "", dlerr.NewWithStack(dlerr.KindNetworkError, "HTTPAdapter.probe", doErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented || resp.Header.Get("Content-Length") == "" {
		return a.probeViaRangeGet(ctx, url)
	}
	if resp.StatusCode >= 300 {
		return 0, "", false, "", dlerr.New(dlerr.KindUnexpectedStatus, "HTTPAdapter.probe", fmt.Errorf("HEAD returned status %d", resp.StatusCode))
	}

	size, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	etag, strongEtag = parseETag(resp.Header.Get("ETag"))
	return size, etag, strongEtag, resp.Header.Get("Last-Modified"), nil
}

func (a *HTTPAdapter) probeViaRangeGet(ctx context.Context, url string) (size int64, etag string, strongEtag bool, lastModified string, err error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if reqErr != nil {
		return 0, "", false, "", dlerr.New(dlerr.KindInvalidURL, "HTTPAdapter.probeViaRangeGet", reqErr)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, doErr := a.client.Do(req)
	if doErr != nil {
		return 0, "", false, "", dlerr.NewWithStack(dlerr.KindNetworkError, "HTTPAdapter.probeViaRangeGet", doErr)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusPartialContent {
		return 0, "", false, "", dlerr.New(dlerr.KindRangeUnsupported, "HTTPAdapter.probeViaRangeGet", fmt.Errorf("range fallback returned status %d", resp.StatusCode))
	}

	size, err = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if err != nil {
		return 0, "", false, "", dlerr.New(dlerr.KindUnexpectedStatus, "HTTPAdapter.probeViaRangeGet", err)
	}
	etag, strongEtag = parseETag(resp.Header.Get("ETag"))
	return size, etag, strongEtag, resp.Header.Get("Last-Modified"), nil
}

// parseETag reports the ETag value and whether it is strong. A weak ETag
// (W/"...") must be treated as absent for resume purposes.
func parseETag(raw string) (etag string, strong bool) {
	if raw == "" {
		return "", false
	}
	if strings.HasPrefix(raw, "W/") {
		return "", false
	}
	return raw, true
}

func parseContentRangeTotal(header string) (int64, error) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, fmt.Errorf("malformed Content-Range: %q", header)
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, fmt.Errorf("server did not report total size in Content-Range")
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Range total: %w", err)
	}
	return n, nil
}

// ProbeValidator runs the same HEAD-then-Range-fallback probe Download uses
// internally, exposed so the orchestrator can check a source's current
// validator against persisted metadata before trusting a resume.
func (a *HTTPAdapter) ProbeValidator(ctx context.Context, identifier string) (ValidatorInfo, error) {
	size, etag, strong, lastModified, err := a.probe(ctx, identifier)
	if err != nil {
		return ValidatorInfo{}, err
	}
	return ValidatorInfo{Size: size, Etag: etag, StrongEtag: strong, LastModified: lastModified}, nil
}

type httpHandle struct {
	identifier string
	done       chan struct{}
	err        error
}

func (h *httpHandle) Identifier() string { return h.identifier }

func (h *httpHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Download fetches identifier to opts.Destination, resuming from a
// partially written file when opts.RangeStart is positive and the caller
// has already validated the resume validator out of band (the
// persistence layer, not this adapter, owns .part bookkeeping).
func (a *HTTPAdapter) Download(ctx context.Context, identifier string, opts DownloadOptions) (Handle, error) {
	if !a.Supports(identifier) {
		return nil, dlerr.New(dlerr.KindInvalidURL, "HTTPAdapter.Download", fmt.Errorf("not an http(s) identifier: %s", identifier))
	}

	dlCtx, cancel := context.WithCancel(ctx)
	dl := &httpDownload{
		progress: Progress{State: StateDownloading},
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	a.mu.Lock()
	a.downloads[identifier] = dl
	a.mu.Unlock()

	h := &httpHandle{identifier: identifier, done: dl.done}

	go func() {
		defer close(dl.done)
		defer close(h.done)
		h.err = a.run(dlCtx, identifier, opts, dl)
	}()

	return h, nil
}

func (a *HTTPAdapter) run(ctx context.Context, identifier string, opts DownloadOptions, dl *httpDownload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, identifier, nil)
	if err != nil {
		return dlerr.New(dlerr.KindInvalidURL, "HTTPAdapter.run", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	bounded := opts.RangeEnd >= 0 && opts.RangeEnd >= opts.RangeStart
	if opts.RangeStart > 0 || bounded {
		if bounded {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", opts.RangeStart, opts.RangeEnd))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", opts.RangeStart))
		}
		if etag := opts.Headers["If-Range"]; etag != "" {
			req.Header.Set("If-Range", etag)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return dlerr.NewWithStack(dlerr.KindNetworkError, "HTTPAdapter.run", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if opts.RangeStart > 0 || bounded {
			// Server ignored our Range header: ranges are unsupported here.
			return dlerr.New(dlerr.KindRangeUnsupported, "HTTPAdapter.run", fmt.Errorf("expected 206, got 200 for a resumed range request"))
		}
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		return dlerr.New(dlerr.KindRangeUnsupported, "HTTPAdapter.run", fmt.Errorf("416 requested range not satisfiable, reprobe required"))
	default:
		return dlerr.New(dlerr.KindUnexpectedStatus, "HTTPAdapter.run", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	f, err := os.OpenFile(opts.Destination, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return dlerr.New(dlerr.KindIoError, "HTTPAdapter.run", err).WithPath(opts.Destination)
	}
	defer f.Close()

	if opts.RangeStart > 0 {
		if _, err := f.Seek(opts.RangeStart, io.SeekStart); err != nil {
			return dlerr.New(dlerr.KindIoError, "HTTPAdapter.run", err).WithPath(opts.Destination)
		}
	}

	total, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	dl.mu.Lock()
	dl.progress.TotalBytes = opts.RangeStart + total
	dl.mu.Unlock()

	var body io.Reader = resp.Body
	if bounded {
		body = io.LimitReader(resp.Body, opts.RangeEnd-opts.RangeStart+1)
	}

	buf := make([]byte, 32*1024)
	downloaded := opts.RangeStart
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return dlerr.New(dlerr.KindIoError, "HTTPAdapter.run", writeErr).WithPath(opts.Destination)
			}
			downloaded += int64(n)
			dl.mu.Lock()
			dl.progress.BytesDownloaded = downloaded
			dl.mu.Unlock()
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return dlerr.NewWithStack(dlerr.KindNetworkError, "HTTPAdapter.run", readErr)
		}
	}

	dl.mu.Lock()
	dl.progress.State = StateCompleted
	dl.mu.Unlock()
	return nil
}

func (a *HTTPAdapter) Seed(_ context.Context, _ string, _ SeedOptions) (*SeedingInfo, error) {
	return nil, dlerr.New(dlerr.KindNotSupported, "HTTPAdapter.Seed", fmt.Errorf("HTTP source is download-only"))
}

func (a *HTTPAdapter) StopSeeding(_ string) error {
	return dlerr.New(dlerr.KindNotSupported, "HTTPAdapter.StopSeeding", fmt.Errorf("HTTP source never seeds"))
}

func (a *HTTPAdapter) PauseDownload(identifier string) error {
	dl, ok := a.lookup(identifier)
	if !ok {
		return dlerr.New(dlerr.KindDownloadNotFound, "HTTPAdapter.PauseDownload", fmt.Errorf("%s", identifier))
	}
	dl.cancel()
	dl.mu.Lock()
	dl.paused = true
	dl.progress.State = StatePaused
	dl.mu.Unlock()
	return nil
}

func (a *HTTPAdapter) ResumeDownload(identifier string) error {
	dl, ok := a.lookup(identifier)
	if !ok {
		return dlerr.New(dlerr.KindDownloadNotFound, "HTTPAdapter.ResumeDownload", fmt.Errorf("%s", identifier))
	}
	if !dl.paused {
		return nil
	}
	return dlerr.New(dlerr.KindNotSupported, "HTTPAdapter.ResumeDownload", fmt.Errorf("caller must re-invoke Download with RangeStart set to resume"))
}

func (a *HTTPAdapter) CancelDownload(identifier string) error {
	dl, ok := a.lookup(identifier)
	if !ok {
		return dlerr.New(dlerr.KindDownloadNotFound, "HTTPAdapter.CancelDownload", fmt.Errorf("%s", identifier))
	}
	dl.cancel()
	dl.mu.Lock()
	dl.progress.State = StateCanceled
	dl.mu.Unlock()
	return nil
}

func (a *HTTPAdapter) Progress(identifier string) (Progress, error) {
	dl, ok := a.lookup(identifier)
	if !ok {
		return Progress{}, dlerr.New(dlerr.KindDownloadNotFound, "HTTPAdapter.Progress", fmt.Errorf("%s", identifier))
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.progress, nil
}

func (a *HTTPAdapter) lookup(identifier string) (*httpDownload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dl, ok := a.downloads[identifier]
	return dl, ok
}
