package dlcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamAuthenticator_TagVerifiesRoundTrip(t *testing.T) {
	auth := NewStreamAuthenticator([]byte("session-key-material"))
	payload := []byte("chunk payload bytes")
	tag := auth.Tag("sess-1", 7, "file-42", payload)
	assert.True(t, auth.Verify("sess-1", 7, "file-42", payload, tag))
}

func TestStreamAuthenticator_RejectsTamperedPayload(t *testing.T) {
	auth := NewStreamAuthenticator([]byte("session-key-material"))
	tag := auth.Tag("sess-1", 7, "file-42", []byte("original"))
	assert.False(t, auth.Verify("sess-1", 7, "file-42", []byte("tampered!"), tag))
}

func TestStreamAuthenticator_RejectsWrongChunkID(t *testing.T) {
	auth := NewStreamAuthenticator([]byte("session-key-material"))
	payload := []byte("payload")
	tag := auth.Tag("sess-1", 1, "file-42", payload)
	assert.False(t, auth.Verify("sess-1", 2, "file-42", payload, tag))
}

func TestStreamAuthenticator_RejectsWrongSession(t *testing.T) {
	auth := NewStreamAuthenticator([]byte("session-key-material"))
	payload := []byte("payload")
	tag := auth.Tag("sess-1", 1, "file-42", payload)
	assert.False(t, auth.Verify("sess-2", 1, "file-42", payload, tag))
}

func TestStreamAuthenticator_RejectsWrongKey(t *testing.T) {
	a1 := NewStreamAuthenticator([]byte("key-one"))
	a2 := NewStreamAuthenticator([]byte("key-two"))
	payload := []byte("payload")
	tag := a1.Tag("sess-1", 1, "file-42", payload)
	assert.False(t, a2.Verify("sess-1", 1, "file-42", payload, tag))
}
