package dlcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKey_RoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	var chunkKey ChunkKey
	copy(chunkKey[:], []byte("0123456789abcdef0123456789abcdef"))

	wrapped, err := WrapKey(chunkKey, recipient.Public)
	require.NoError(t, err)

	recovered, err := UnwrapKey(wrapped, recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, chunkKey, recovered)
}

func TestUnwrapKey_WrongPrivateKeyFails(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)
	imposter, err := GenerateKeyPair()
	require.NoError(t, err)

	var chunkKey ChunkKey
	copy(chunkKey[:], []byte("0123456789abcdef0123456789abcdef"))

	wrapped, err := WrapKey(chunkKey, recipient.Public)
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, imposter.Private)
	require.Error(t, err)
}

func TestUnwrapKey_TamperedCiphertextFails(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	var chunkKey ChunkKey
	copy(chunkKey[:], []byte("0123456789abcdef0123456789abcdef"))

	wrapped, err := WrapKey(chunkKey, recipient.Public)
	require.NoError(t, err)
	wrapped.EncryptedKey[0] ^= 0xff

	_, err = UnwrapKey(wrapped, recipient.Private)
	require.Error(t, err)
}

func TestGenerateKeyPair_ProducesDistinctKeys(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, a.Private, b.Private)
	assert.NotEqual(t, a.Public, b.Public)
}
