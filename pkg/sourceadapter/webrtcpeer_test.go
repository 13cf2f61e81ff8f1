package sourceadapter

import (
	"context"
	"testing"

	"github.com/chiral-network/downloader/pkg/dlcrypto"
	"github.com/chiral-network/downloader/pkg/dlerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebRTCAdapter_Supports(t *testing.T) {
	a := NewWebRTCAdapter(nil, nil, nil)
	assert.True(t, a.Supports("webrtc://peer-1/file-1"))
	assert.False(t, a.Supports("http://example.com/file.bin"))
}

func TestParseWebRTCIdentifier(t *testing.T) {
	id, err := parseWebRTCIdentifier("webrtc://peer-1/file-42")
	require.NoError(t, err)
	assert.Equal(t, "peer-1", id.peerID)
	assert.Equal(t, "file-42", id.fileID)
}

func TestParseWebRTCIdentifier_RejectsMissingFileID(t *testing.T) {
	_, err := parseWebRTCIdentifier("webrtc://peer-1")
	require.Error(t, err)
}

func TestWebRTCAdapter_Download_RejectsMalformedIdentifier(t *testing.T) {
	a := NewWebRTCAdapter(nil, nil, nil)
	_, err := a.Download(context.Background(), "webrtc://peer-only", DownloadOptions{})
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindInvalidIdentifier))
}

func TestWebRTCAdapter_Seed_NotSupported(t *testing.T) {
	a := NewWebRTCAdapter(nil, nil, nil)
	_, err := a.Seed(context.Background(), "/tmp/file", SeedOptions{})
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindNotSupported))
}

func TestWebRTCAdapter_PauseDownload_NotSupported(t *testing.T) {
	a := NewWebRTCAdapter(nil, nil, nil)
	err := a.PauseDownload("webrtc://peer-1/file-1")
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindNotSupported))
}

func TestChecksumMatches(t *testing.T) {
	data := []byte("hello world")
	assert.True(t, checksumMatches(data, ""))
	assert.False(t, checksumMatches(data, "deadbeef"))
}

func TestResolveChunkPayload_UnencryptedHMACPath(t *testing.T) {
	a := NewWebRTCAdapter(nil, nil, []byte("sesskey"))
	auth := dlcrypto.NewStreamAuthenticator(a.sessionKey)
	payload := []byte("chunk bytes")
	tag := auth.Tag("file-1", 3, "file-1", payload)

	cm := webrtcChunkMessage{ChunkID: 3, Data: payload, HMAC: tag}
	out, err := a.resolveChunkPayload(nil, auth, "file-1", cm)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestResolveChunkPayload_RejectsBadHMAC(t *testing.T) {
	a := NewWebRTCAdapter(nil, nil, []byte("sesskey"))
	auth := dlcrypto.NewStreamAuthenticator(a.sessionKey)
	payload := []byte("chunk bytes")

	cm := webrtcChunkMessage{ChunkID: 3, Data: payload, HMAC: []byte("bad-tag")}
	_, err := a.resolveChunkPayload(nil, auth, "file-1", cm)
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindSignature))
}
