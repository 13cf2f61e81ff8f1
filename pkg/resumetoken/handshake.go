// Package resumetoken issues and verifies the bearer tokens that let a
// downloader resume a transfer from a seeder without renegotiating the
// whole handshake: a compact EdDSA-signed JWT binding a download to a
// strong ETag, an epoch, and a bounded lease window.
package resumetoken

import "time"

// HandshakeRequest is what a downloader sends a seeder to begin (or resume)
// a transfer.
type HandshakeRequest struct {
	FileID     string
	DownloadID string
	Epoch      uint64
	PeerID     string
}

// NewHandshakeRequest builds a request for one file/download/epoch pair.
func NewHandshakeRequest(fileID, downloadID string, epoch uint64, peerID string) HandshakeRequest {
	return HandshakeRequest{FileID: fileID, DownloadID: downloadID, Epoch: epoch, PeerID: peerID}
}

// LeaseWindow is the [Start, End) interval a resume token is valid for.
type LeaseWindow struct {
	Start time.Time
	End   time.Time
}

// Duration returns the lease's total length.
func (w LeaseWindow) Duration() time.Duration { return w.End.Sub(w.Start) }

// HandshakeAck is the seeder's reply: the resume token plus the claims'
// plaintext equivalents, so a caller can act on the lease without first
// parsing the token.
type HandshakeAck struct {
	FileID        string
	DownloadID    string
	Epoch         uint64
	Etag          string
	Size          uint64
	LeaseExp      time.Time
	LeaseIssuedAt time.Time
	ResumeToken   string
}

// Window returns the ack's lease as a LeaseWindow.
func (a *HandshakeAck) Window() LeaseWindow {
	return LeaseWindow{Start: a.LeaseIssuedAt, End: a.LeaseExp}
}
