// Package sourceadapter defines the uniform download/seed surface the
// orchestrator drives regardless of which transport actually moves bytes,
// and provides concrete adapters for BitTorrent, HTTP(S) ranges, FTP/FTPS,
// ed2k, and direct WebRTC peers.
package sourceadapter

import (
	"context"
	"time"
)

// Capabilities describes what an adapter instance (or a specific
// identifier on it) supports; the orchestrator consults this before
// relying on pause/resume, multi-source fan-out, or encryption.
type Capabilities struct {
	Seeding      bool
	PauseResume  bool
	MultiSource  bool
	Encryption   bool
	DHTAssist    bool
}

// State is the lifecycle state of a single download handled by an
// adapter, reported through Progress.
type State string

const (
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateSeeding     State = "seeding"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCanceled    State = "canceled"
)

// Progress is a point-in-time snapshot an adapter reports for an
// in-flight or completed identifier.
type Progress struct {
	BytesDownloaded int64
	TotalBytes      int64
	BytesUploaded   int64
	State           State
	Err             error
}

// DownloadOptions parameterizes a single Download call. Adapters ignore
// fields that don't apply to their transport (e.g. RangeStart on
// BitTorrent).
type DownloadOptions struct {
	Destination         string
	Headers             map[string]string
	Credentials         *Credentials
	RangeStart          int64
	RangeEnd            int64 // -1 means "to end of file"
	ChunkSize           int64
	MaxConcurrentChunks int
	ConnectTimeout      time.Duration
	RequestTimeout      time.Duration
	MaxRetryAttempts    int
	RecipientPublicKey  []byte // WebRTC: our public key to receive an encrypted key bundle against
}

// Credentials carries a username/password for adapters that need one
// (FTP, and optionally HTTP basic auth).
type Credentials struct {
	Username string
	Password string
}

// SeedOptions parameterizes a Seed call.
type SeedOptions struct {
	DisplayName string
}

// SeedingInfo is returned once seeding has begun.
type SeedingInfo struct {
	Identifier string
	PeerCount  int
}

// Handle represents one in-flight or completed download. Wait blocks
// until the transfer reaches a terminal state or ctx is canceled.
type Handle interface {
	Identifier() string
	Wait(ctx context.Context) error
}

// Adapter is the surface every source transport implements, per the
// download engine's uniform adapter contract.
type Adapter interface {
	Capabilities() Capabilities
	Supports(identifier string) bool

	Download(ctx context.Context, identifier string, opts DownloadOptions) (Handle, error)
	Seed(ctx context.Context, filePath string, opts SeedOptions) (*SeedingInfo, error)
	StopSeeding(identifier string) error

	PauseDownload(identifier string) error
	ResumeDownload(identifier string) error
	CancelDownload(identifier string) error

	Progress(identifier string) (Progress, error)
}

// ValidatorInfo is a source's current resume validator state: size plus
// whatever strong/weak ETag or Last-Modified header it currently reports.
// Only adapters whose transport has a notion of a validator (HTTP today)
// implement Validator; others are resume-safe by construction (e.g. a
// BitTorrent info-hash never changes under the caller) and are skipped by
// validator-mismatch restart checks.
type ValidatorInfo struct {
	Size         int64
	Etag         string
	StrongEtag   bool
	LastModified string
}

// Validator is implemented by adapters that can probe a source's current
// resume validator ahead of a range request, so the orchestrator can detect
// an ETag flip or a weak-ETag source before trusting a prior .part/metadata
// pair.
type Validator interface {
	ProbeValidator(ctx context.Context, identifier string) (ValidatorInfo, error)
}

// ErrNotSupported-style sentinel is defined in pkg/dlerr; adapters that
// cannot seed (ed2k, and FTP in the common case) return
// dlerr.New(dlerr.KindNotSupported, ...) from Seed rather than guessing
// at a share-from-peer behavior the spec leaves unspecified.
