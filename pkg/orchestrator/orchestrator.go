package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/chiral-network/downloader/pkg/chunkplan"
	"github.com/chiral-network/downloader/pkg/config"
	"github.com/chiral-network/downloader/pkg/dlerr"
	"github.com/chiral-network/downloader/pkg/dlmetrics"
	"github.com/chiral-network/downloader/pkg/dlog"
	"github.com/chiral-network/downloader/pkg/eventbus"
	"github.com/chiral-network/downloader/pkg/peerselection"
	"github.com/chiral-network/downloader/pkg/persistence"
	"github.com/chiral-network/downloader/pkg/resumetoken"
	"github.com/chiral-network/downloader/pkg/sourceadapter"
)

// HandshakeClient performs the resume-token handshake against one source,
// returning the seeder's signed acknowledgement. The wire exchange itself
// (a control message over whichever adapter the source uses) is external
// to this package, the same way WebRTC signaling is left to an injected
// PeerConnector in pkg/sourceadapter.
type HandshakeClient interface {
	Handshake(ctx context.Context, source SourceRef, req resumetoken.HandshakeRequest) (*resumetoken.HandshakeAck, error)
}

// Orchestrator wires together the substrate a download needs to run: the
// source adapters it can dispatch to, the persistence store it is the
// sole metadata writer against, the peer registry it scores sources
// through, the event bus it narrates progress on, and the metrics it
// instruments itself with.
type Orchestrator struct {
	cfg config.Config

	store    *persistence.Store
	bus      *eventbus.Bus
	metrics  *dlmetrics.Metrics
	registry *peerselection.Registry
	adapters []sourceadapter.Adapter
	log      dlog.Interface

	verifier         *resumetoken.Verifier
	handshakeClient  HandshakeClient
}

// New builds an Orchestrator. verifier and handshakeClient may both be nil,
// in which case downloads skip resume-token handshake/lease enforcement
// entirely and run as a plain multi-source fetch.
func New(cfg config.Config, store *persistence.Store, bus *eventbus.Bus, metrics *dlmetrics.Metrics, registry *peerselection.Registry, adapters []sourceadapter.Adapter, verifier *resumetoken.Verifier, handshakeClient HandshakeClient, log dlog.Interface) *Orchestrator {
	if log == nil {
		log = dlog.Nop()
	}
	return &Orchestrator{
		cfg:             cfg,
		store:           store,
		bus:             bus,
		metrics:         metrics,
		registry:        registry,
		adapters:        adapters,
		log:             log,
		verifier:        verifier,
		handshakeClient: handshakeClient,
	}
}

// StartRequest describes a new transfer to run.
type StartRequest struct {
	FileID         string
	DownloadID     string
	Dest           string
	FileSize       int64
	ChunkSize      int64
	Sources        []SourceRef
	ExpectedSha256 string
	PeerID         string
}

// adapterFor returns the first registered adapter that claims to support
// identifier.
func (o *Orchestrator) adapterFor(identifier string) (sourceadapter.Adapter, bool) {
	for _, a := range o.adapters {
		if a.Supports(identifier) {
			return a, true
		}
	}
	return nil, false
}

// StartDownload builds the chunk plan, constructs the Download, and runs
// its supervisor to completion (or until ctx is canceled). It blocks; the
// caller typically calls it from its own goroutine to run downloads
// concurrently.
func (o *Orchestrator) StartDownload(ctx context.Context, req StartRequest) (*Download, error) {
	plan, err := chunkplan.Build(req.FileSize, req.ChunkSize)
	if err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "StartDownload.plan", err)
	}

	dl := NewDownload(req.FileID, req.DownloadID, req.Dest, plan, req.Sources)
	dl.StartedAt = time.Now()

	o.metrics.TransferStarted()
	o.bus.Publish(eventbus.Event{
		TransferID:  dl.DownloadID,
		TimestampMs: nowMs(),
		Kind:        eventbus.KindTransferStarted,
		Payload: eventbus.TransferStartedFields{
			FileHash:         req.FileID,
			FileName:         req.Dest,
			FileSize:         req.FileSize,
			TotalChunks:      plan.TotalChunks(),
			ChunkSize:        plan.ChunkSize,
			AvailableSources: sourceIdentifiers(req.Sources),
			SelectedSources:  sourceIdentifiers(req.Sources),
		},
	})

	stop := o.runMonitor(dl)
	defer stop()

	err = o.supervise(ctx, dl, req)
	switch {
	case err != nil:
		o.finishFailed(dl, err)
		return dl, err
	case dl.State() == StateCanceled:
		o.finishCanceled(dl)
		return dl, nil
	default:
		o.finishCompleted(dl)
		return dl, nil
	}
}

func sourceIdentifiers(sources []SourceRef) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Identifier
	}
	return out
}

// supervise drives dl through the state machine from Idle to a terminal
// state, returning a non-nil error only on Failed (Canceled is reported
// via dl.Canceled(), not as an error).
func (o *Orchestrator) supervise(ctx context.Context, dl *Download, req StartRequest) error {
	dl.Transition(StateHandshake)
	if o.handshakeClient != nil && o.verifier != nil {
		if err := o.runHandshake(ctx, dl, req); err != nil {
			return err
		}
	}

	dl.Transition(StatePreparingHead)
	dl.Transition(StatePreflightStorage)
	if err := o.store.Preflight(dl.Dest, req.FileSize, dl.CompletedBytes()); err != nil {
		return err
	}

	dl.Transition(StateValidatingMetadata)
	if err := o.restoreResumeState(ctx, dl); err != nil {
		return err
	}

	dl.Transition(StateDownloading)
	if err := o.runDispatchLoop(ctx, dl); err != nil {
		return err
	}
	if dl.Canceled() {
		dl.Transition(StateCanceled)
		return nil
	}

	dl.Transition(StateVerifyingSha)
	if req.ExpectedSha256 != "" {
		if err := o.verifyChecksum(dl, req.ExpectedSha256); err != nil {
			o.metrics.VerificationFailed(dl.FileID)
			return err
		}
	}

	dl.Transition(StateFinalizingIo)
	if err := o.store.Finalize(dl.Dest, req.FileSize); err != nil {
		return err
	}

	dl.Transition(StateCompleted)
	return nil
}

func (o *Orchestrator) runHandshake(ctx context.Context, dl *Download, req StartRequest) error {
	var attempts *multierror.Error
	for _, src := range req.Sources {
		request := resumetoken.NewHandshakeRequest(dl.FileID, dl.DownloadID, 0, req.PeerID)
		ack, err := o.handshakeClient.Handshake(ctx, src, request)
		if err != nil {
			attempts = multierror.Append(attempts, fmt.Errorf("%s: %w", src.Identifier, err))
			dl.Transition(StateHandshakeRetry)
			continue
		}
		if _, _, err := o.verifier.VerifyAck(ctx, ack, dl.FileID, dl.DownloadID, time.Now()); err != nil {
			attempts = multierror.Append(attempts, fmt.Errorf("%s: %w", src.Identifier, err))
			dl.Transition(StateHandshakeRetry)
			continue
		}
		o.metrics.LeaseAcquired()
		return nil
	}
	attempts = multierror.Append(attempts, fmt.Errorf("no source completed a resume-token handshake"))
	return dlerr.New(dlerr.KindUnreachable, "runHandshake", attempts.ErrorOrNil())
}

// restoreResumeState checks for a prior .meta.json/.part pair and seeds
// the download's completed-chunk bookkeeping from it, or clears stale
// artifacts and starts fresh. A crash-safety mismatch (.part length vs.
// bytes_downloaded) is handled by Store.ValidateResume itself; this method
// additionally enforces the validator discipline in §4.1/§4.2: a resume is
// only trusted when the source's current validator still matches what was
// persisted. A strong-ETag or size mismatch, or a previously-weak/absent
// ETag, forces the same Restarting edge a crash-safety mismatch would.
func (o *Orchestrator) restoreResumeState(ctx context.Context, dl *Download) error {
	meta, needsRestart, err := o.store.ValidateResume(dl.Dest)
	if err != nil {
		return err
	}
	if needsRestart || meta == nil {
		o.probeAndRecordValidator(ctx, dl)
		return nil
	}

	info, hasValidator := o.probeValidator(ctx, dl)
	switch {
	case !hasValidator:
		// No source here exposes a resume validator (BitTorrent, ed2k,
		// WebRTC, FTP): ValidateResume's crash-safety check is all there is
		// to check, so the persisted byte count is trusted as-is.
		dl.SetValidator(meta.Etag, meta.LastModified)
	case meta.BytesDownloaded == 0:
		o.recordValidator(dl, info)
	case info.Size != meta.ExpectedSize, meta.Etag == "", !info.StrongEtag, info.Etag != meta.Etag:
		return o.performRestart(ctx, dl)
	default:
		o.recordValidator(dl, info)
	}

	for _, c := range dl.Plan.Chunks {
		if c.Offset+c.Size <= meta.BytesDownloaded {
			dl.CompleteChunk(c.ID)
		}
	}
	return nil
}

// probeValidator asks the first source whose adapter implements
// sourceadapter.Validator for its current resume validator. Returns false
// when no configured source exposes one.
func (o *Orchestrator) probeValidator(ctx context.Context, dl *Download) (sourceadapter.ValidatorInfo, bool) {
	for _, s := range dl.Sources {
		adapter, ok := o.adapterFor(s.Identifier)
		if !ok {
			continue
		}
		v, ok := adapter.(sourceadapter.Validator)
		if !ok {
			continue
		}
		info, err := v.ProbeValidator(ctx, s.Identifier)
		if err != nil {
			continue
		}
		return info, true
	}
	return sourceadapter.ValidatorInfo{}, false
}

func (o *Orchestrator) probeAndRecordValidator(ctx context.Context, dl *Download) {
	if info, ok := o.probeValidator(ctx, dl); ok {
		o.recordValidator(dl, info)
	}
}

// recordValidator stores a freshly probed validator on dl, treating a weak
// or absent ETag as no ETag at all per the spec's resume discipline.
func (o *Orchestrator) recordValidator(dl *Download, info sourceadapter.ValidatorInfo) {
	if info.StrongEtag {
		dl.SetValidator(info.Etag, info.LastModified)
		return
	}
	dl.SetValidator("", info.LastModified)
}

// performRestart discards the current .part/metadata pair and every chunk
// of dispatch progress, then re-enters PreflightStorage/ValidatingMetadata
// fresh, per the Restarting edge: "prior .part and metadata are discarded."
// It leaves dl in StateValidatingMetadata; the caller transitions onward
// (supervise does so unconditionally after restoreResumeState returns;
// runDispatchLoop's restart path does so explicitly via restartDownload).
func (o *Orchestrator) performRestart(ctx context.Context, dl *Download) error {
	if !dl.Transition(StateRestarting) {
		return dlerr.New(dlerr.KindInternal, "performRestart", fmt.Errorf("invalid transition to Restarting from %s", dl.State()))
	}
	o.log.Warnf("resume validator unsafe for %s, restarting from zero", dl.Dest)

	if err := persistence.RemoveArtifacts(o.store.Fs, dl.Dest); err != nil {
		return err
	}
	dl.ResetForFreshStart()

	o.bus.Publish(eventbus.Event{
		TransferID:  dl.DownloadID,
		TimestampMs: nowMs(),
		Kind:        eventbus.KindTransferStarted,
		Payload: eventbus.TransferStartedFields{
			FileHash:         dl.FileID,
			FileName:         dl.Dest,
			FileSize:         dl.Plan.FileSize,
			TotalChunks:      dl.Plan.TotalChunks(),
			ChunkSize:        dl.Plan.ChunkSize,
			AvailableSources: sourceIdentifiers(dl.Sources),
			SelectedSources:  sourceIdentifiers(dl.Sources),
		},
	})

	if !dl.Transition(StatePreflightStorage) {
		return dlerr.New(dlerr.KindInternal, "performRestart", fmt.Errorf("invalid transition to PreflightStorage from %s", dl.State()))
	}
	if err := o.store.Preflight(dl.Dest, dl.Plan.FileSize, 0); err != nil {
		return err
	}
	if !dl.Transition(StateValidatingMetadata) {
		return dlerr.New(dlerr.KindInternal, "performRestart", fmt.Errorf("invalid transition to ValidatingMetadata from %s", dl.State()))
	}
	o.probeAndRecordValidator(ctx, dl)
	return nil
}

// restartDownload runs performRestart and transitions back into
// Downloading; used by runDispatchLoop when a worker detects a validator
// change mid-transfer (ETag flip, 200-on-range, weak ETag) rather than at
// the initial ValidatingMetadata step.
func (o *Orchestrator) restartDownload(ctx context.Context, dl *Download) error {
	if err := o.performRestart(ctx, dl); err != nil {
		return err
	}
	if !dl.Transition(StateDownloading) {
		return dlerr.New(dlerr.KindInternal, "restartDownload", fmt.Errorf("invalid transition to Downloading from %s", dl.State()))
	}
	return nil
}

// runDispatchLoop assigns pending chunks to sources in contiguous waves
// until every chunk is complete, the download is canceled, or no source
// can make further progress.
func (o *Orchestrator) runDispatchLoop(ctx context.Context, dl *Download) error {
	for {
		if dl.Canceled() {
			return nil
		}
		if dl.ConsumeRestartNeeded() {
			if err := o.restartDownload(ctx, dl); err != nil {
				return err
			}
			continue
		}
		if dl.IsComplete() {
			return nil
		}
		if dl.Paused() {
			dl.Transition(StatePaused)
			dl.Transition(StateAwaitingResume)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		pending := dl.PendingChunks()
		if len(pending) == 0 {
			return nil
		}
		for _, id := range pending {
			if dl.FailureCount(id) > o.cfg.MaxRetryAttempts {
				return dlerr.New(dlerr.KindUnreachable, "runDispatchLoop",
					fmt.Errorf("chunk %d exceeded %d retry attempts", id, o.cfg.MaxRetryAttempts))
			}
		}

		peers := o.availablePeers(dl)
		if len(peers) == 0 {
			o.bus.Publish(eventbus.Event{
				TransferID:  dl.DownloadID,
				TimestampMs: nowMs(),
				Kind:        eventbus.KindTransferFailed,
				Payload: eventbus.TransferFailedFields{
					Error:         "NoPeersAvailable",
					ErrorCategory: eventbus.ErrorCategoryNetwork,
					RetryPossible: true,
				},
			})
			return dlerr.New(dlerr.KindUnreachable, "runDispatchLoop", fmt.Errorf("no sources available for remaining %d chunks", len(pending)))
		}

		waves := PlanWave(pending, peers)
		done := make(chan struct{}, len(waves))
		for _, wave := range waves {
			wave := wave
			src, adapter, ok := o.sourceFor(dl, wave.PeerID)
			if !ok {
				for id := wave.First; id <= wave.Last; id++ {
					dl.FailChunk(id)
				}
				done <- struct{}{}
				continue
			}
			dl.Assign(wave)
			go func() {
				o.runAssignment(ctx, dl, src, adapter, wave)
				done <- struct{}{}
			}()
		}
		for range waves {
			<-done
		}
	}
}

func (o *Orchestrator) availablePeers(dl *Download) []string {
	var peers []string
	for _, s := range dl.Sources {
		if _, ok := o.adapterFor(s.Identifier); ok {
			peers = append(peers, s.Identifier)
		}
	}
	return peers
}

func (o *Orchestrator) sourceFor(dl *Download, identifier string) (SourceRef, sourceadapter.Adapter, bool) {
	adapter, ok := o.adapterFor(identifier)
	if !ok {
		return SourceRef{}, nil, false
	}
	for _, s := range dl.Sources {
		if s.Identifier == identifier {
			return s, adapter, true
		}
	}
	return SourceRef{}, nil, false
}

func (o *Orchestrator) verifyChecksum(dl *Download, expectedHex string) error {
	f, err := os.Open(partDestination(dl.Dest))
	if err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "verifyChecksum.open", dl.Dest, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return dlerr.Wrap(dlerr.KindIoError, "verifyChecksum.read", dl.Dest, err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expectedHex {
		return dlerr.New(dlerr.KindHashMismatch, "verifyChecksum",
			fmt.Errorf("sha256 mismatch: got %s want %s", actual, expectedHex))
	}
	return nil
}

func (o *Orchestrator) finishCompleted(dl *Download) {
	o.metrics.TransferCompleted(dl.FileID, time.Since(dl.StartedAt))
	o.bus.Publish(eventbus.Event{
		TransferID:  dl.DownloadID,
		TimestampMs: nowMs(),
		Kind:        eventbus.KindTransferCompleted,
		Payload: eventbus.TransferCompletedFields{
			FileName:        dl.Dest,
			FileSize:        dl.Plan.FileSize,
			OutputPath:      dl.Dest,
			DurationSeconds: time.Since(dl.StartedAt).Seconds(),
			AverageSpeedBps: averageSpeed(dl),
		},
	})
}

func (o *Orchestrator) finishCanceled(dl *Download) {
	// dlmetrics has no dedicated cancellation counter; fold it into the
	// failure counters under its own category so in-flight is decremented.
	o.metrics.TransferFailed(dl.FileID, "canceled")
	o.bus.Publish(eventbus.Event{
		TransferID:  dl.DownloadID,
		TimestampMs: nowMs(),
		Kind:        eventbus.KindTransferCanceled,
		Payload: eventbus.TransferLifecycleFields{
			Reason:          "UserRequested",
			DownloadedBytes: dl.CompletedBytes(),
			TotalBytes:      dl.Plan.FileSize,
		},
	})
}

func (o *Orchestrator) finishFailed(dl *Download, err error) {
	dl.Transition(StateFailed)
	category := eventbus.ErrorCategoryUnknown
	if k, ok := dlerr.KindOf(err); ok {
		category = categoryToEventbus(k)
	}
	o.metrics.TransferFailed(dl.FileID, string(category))
	o.bus.Publish(eventbus.Event{
		TransferID:  dl.DownloadID,
		TimestampMs: nowMs(),
		Kind:        eventbus.KindTransferFailed,
		Payload: eventbus.TransferFailedFields{
			Error:           err.Error(),
			ErrorCategory:   category,
			DownloadedBytes: dl.CompletedBytes(),
			TotalBytes:      dl.Plan.FileSize,
			RetryPossible:   dlerr.RetryPossible(err),
		},
	})
}

func categoryToEventbus(k dlerr.Kind) eventbus.ErrorCategory {
	switch k {
	case dlerr.KindNetworkError, dlerr.KindUnreachable, dlerr.KindTimeout:
		return eventbus.ErrorCategoryNetwork
	case dlerr.KindRangeUnsupported, dlerr.KindWeakEtag, dlerr.KindUnexpectedStatus:
		return eventbus.ErrorCategoryProtocol
	case dlerr.KindIoError, dlerr.KindDiskFull, dlerr.KindPathTraversal, dlerr.KindPartSizeMismatch:
		return eventbus.ErrorCategoryFilesystem
	case dlerr.KindSignature, dlerr.KindExpired, dlerr.KindNotYetValid, dlerr.KindClockSkew, dlerr.KindJwks, dlerr.KindInvalid:
		return eventbus.ErrorCategoryCrypto
	case dlerr.KindInvalidIdentifier, dlerr.KindInvalidMagnet, dlerr.KindInvalidURL:
		return eventbus.ErrorCategoryConfig
	default:
		return eventbus.ErrorCategoryUnknown
	}
}

func averageSpeed(dl *Download) float64 {
	elapsed := time.Since(dl.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(dl.CompletedBytes()) / elapsed
}
