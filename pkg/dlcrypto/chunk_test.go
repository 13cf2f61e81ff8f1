package dlcrypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenChunk_RoundTrip(t *testing.T) {
	key, err := GenerateChunkKey()
	require.NoError(t, err)

	plaintext := []byte("chunk payload bytes")
	sealed, err := SealChunk(key, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := OpenChunk(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenChunk_WrongKeyFails(t *testing.T) {
	key, err := GenerateChunkKey()
	require.NoError(t, err)
	other, err := GenerateChunkKey()
	require.NoError(t, err)

	sealed, err := SealChunk(key, []byte("secret"))
	require.NoError(t, err)

	_, err = OpenChunk(other, sealed)
	assert.Error(t, err)
}

func TestDeriveKeyFromPassword_Deterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	a := DeriveKeyFromPassword("hunter2", salt)
	b := DeriveKeyFromPassword("hunter2", salt)
	assert.Equal(t, a, b)

	c := DeriveKeyFromPassword("different", salt)
	assert.NotEqual(t, a, c)
}

func TestWrapUnwrapKey_RoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	chunkKey, err := GenerateChunkKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(chunkKey, recipient.Public)
	require.NoError(t, err)

	recovered, err := UnwrapKey(wrapped, recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, chunkKey, recovered)
}

func TestUnwrapKey_WrongRecipientFails(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)
	attacker, err := GenerateKeyPair()
	require.NoError(t, err)

	chunkKey, err := GenerateChunkKey()
	require.NoError(t, err)
	wrapped, err := WrapKey(chunkKey, recipient.Public)
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, attacker.Private)
	assert.Error(t, err)
}

func TestEncryptDecryptMessage_RoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("handshake envelope payload")
	sealed, err := EncryptMessage(msg, recipient.Public)
	require.NoError(t, err)

	plain, err := DecryptMessage(sealed, recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, msg, plain)
}

func TestSignVerifyMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = pub

	signed := SignMessage([]byte("authenticate me"), priv)
	assert.True(t, VerifyMessage(signed))

	signed.Message = []byte("tampered")
	assert.False(t, VerifyMessage(signed))
}
