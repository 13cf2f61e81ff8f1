// Package eventbus defines the typed event contract downloads emit:
// transfer lifecycle, source connect/disconnect, chunk completion,
// pause/resume/cancel, and terminal completion/failure, each carrying a
// transfer id and millisecond timestamp.
package eventbus

// Kind names one of the event variants in the contract.
type Kind string

const (
	KindTransferStarted      Kind = "TransferStarted"
	KindTransferProgress     Kind = "TransferProgress"
	KindSourceConnected      Kind = "SourceConnected"
	KindSourceDisconnected   Kind = "SourceDisconnected"
	KindChunkCompleted       Kind = "ChunkCompleted"
	KindTransferPaused       Kind = "TransferPaused"
	KindTransferResumed      Kind = "TransferResumed"
	KindTransferCanceled     Kind = "TransferCanceled"
	KindTransferCompleted    Kind = "TransferCompleted"
	KindTransferFailed       Kind = "TransferFailed"
)

// DisconnectReason explains why a source was dropped.
type DisconnectReason string

const (
	DisconnectCompleted     DisconnectReason = "Completed"
	DisconnectNetworkError  DisconnectReason = "NetworkError"
	DisconnectTimeout       DisconnectReason = "Timeout"
	DisconnectUserRequested DisconnectReason = "UserRequested"
	DisconnectPolicyEvicted DisconnectReason = "PolicyEvicted"
)

// ErrorCategory buckets a TransferFailed event's error for dashboards/alerts.
type ErrorCategory string

const (
	ErrorCategoryNetwork    ErrorCategory = "Network"
	ErrorCategoryProtocol   ErrorCategory = "Protocol"
	ErrorCategoryFilesystem ErrorCategory = "Filesystem"
	ErrorCategoryCrypto     ErrorCategory = "Crypto"
	ErrorCategoryConfig     ErrorCategory = "Config"
	ErrorCategoryUnknown    ErrorCategory = "Unknown"
)

// Event is the envelope common to every emitted event; Kind selects which
// of the *Fields structs Payload holds.
type Event struct {
	TransferID string `json:"transfer_id"`
	TimestampMs int64  `json:"timestamp_ms"`
	Kind       Kind   `json:"kind"`
	Payload    interface{} `json:"payload"`
}

type TransferStartedFields struct {
	FileHash        string   `json:"file_hash"`
	FileName        string   `json:"file_name"`
	FileSize        int64    `json:"file_size"`
	TotalChunks     int      `json:"total_chunks"`
	ChunkSize       int64    `json:"chunk_size"`
	AvailableSources []string `json:"available_sources"`
	SelectedSources  []string `json:"selected_sources"`
}

type TransferProgressFields struct {
	DownloadedBytes    int64   `json:"downloaded_bytes"`
	TotalBytes         int64   `json:"total_bytes"`
	CompletedChunks    int     `json:"completed_chunks"`
	TotalChunks        int     `json:"total_chunks"`
	ProgressPercentage float64 `json:"progress_percentage"`
	DownloadSpeedBps   float64 `json:"download_speed_bps"`
	UploadSpeedBps     float64 `json:"upload_speed_bps"`
	EtaSeconds         *float64 `json:"eta_seconds,omitempty"`
	ActiveSources      int     `json:"active_sources"`
}

type SourceConnectedFields struct {
	SourceID        string `json:"source_id"`
	SourceType      string `json:"source_type"`
	ChunksCompleted int    `json:"chunks_completed"`
	WillRetry       bool   `json:"will_retry"`
}

type SourceDisconnectedFields struct {
	SourceID        string           `json:"source_id"`
	SourceType      string           `json:"source_type"`
	Reason          DisconnectReason `json:"reason"`
	ChunksCompleted int              `json:"chunks_completed"`
	WillRetry       bool             `json:"will_retry"`
}

type ChunkCompletedFields struct {
	ChunkID           int    `json:"chunk_id"`
	ChunkSize         int64  `json:"chunk_size"`
	SourceID          string `json:"source_id"`
	SourceType        string `json:"source_type"`
	DownloadDurationMs int64  `json:"download_duration_ms"`
	Verified          bool   `json:"verified"`
}

type TransferLifecycleFields struct {
	Reason          string `json:"reason"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	TotalBytes      int64  `json:"total_bytes"`
}

type SourceUsage struct {
	SourceID     string  `json:"source_id"`
	BytesProvided int64  `json:"bytes_provided"`
	AvgSpeedBps  float64 `json:"avg_speed"`
	DurationMs   int64   `json:"duration"`
}

type TransferCompletedFields struct {
	FileName         string        `json:"file_name"`
	FileSize         int64         `json:"file_size"`
	OutputPath       string        `json:"output_path"`
	DurationSeconds  float64       `json:"duration_seconds"`
	AverageSpeedBps  float64       `json:"average_speed_bps"`
	SourcesUsed      []SourceUsage `json:"sources_used"`
}

type TransferFailedFields struct {
	Error           string        `json:"error"`
	ErrorCategory   ErrorCategory `json:"error_category"`
	DownloadedBytes int64         `json:"downloaded_bytes"`
	TotalBytes      int64         `json:"total_bytes"`
	RetryPossible   bool          `json:"retry_possible"`
}
