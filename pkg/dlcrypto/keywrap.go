package dlcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// hkdfInfoKey and hkdfInfoMessage are the HKDF "info" labels for key-wrap and
// message encryption respectively, keeping the two derivations from ever
// colliding even if the same shared secret were reused.
var (
	hkdfInfoKey     = []byte("chiral-network-kek")
	hkdfInfoMessage = []byte("chiral-network-msg")
)

// KeyPair is an X25519 keypair used for ECIES-style key wrapping.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair returns a fresh X25519 static keypair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "GenerateKeyPair", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "GenerateKeyPair.public", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// WrappedKey is the bundle transmitted alongside a chunk's ciphertext so the
// recipient can recover the chunk key: an ephemeral public key, the wrapped
// (AES-GCM sealed) key, and the nonce used to seal it.
type WrappedKey struct {
	EphemeralPublicKey [32]byte
	EncryptedKey       []byte
	Nonce              [12]byte
}

// WrapKey encrypts chunkKey for recipientPublic using an ephemeral X25519
// keypair, HKDF-SHA256 key derivation, and AES-256-GCM — the ECIES pattern.
func WrapKey(chunkKey ChunkKey, recipientPublic [32]byte) (*WrappedKey, error) {
	var ephemeralPriv [32]byte
	if _, err := rand.Read(ephemeralPriv[:]); err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "WrapKey.ephemeral", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "WrapKey.ephemeralPublic", err)
	}

	shared, err := curve25519.X25519(ephemeralPriv[:], recipientPublic[:])
	if err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "WrapKey.dh", err)
	}

	kek, err := deriveKEK(ephemeralPub, shared, hkdfInfoKey)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "WrapKey.nonce", err)
	}
	encrypted := gcm.Seal(nil, nonce[:], chunkKey[:], nil)

	wk := &WrappedKey{EncryptedKey: encrypted, Nonce: nonce}
	copy(wk.EphemeralPublicKey[:], ephemeralPub)
	return wk, nil
}

// UnwrapKey recovers the chunk key from a WrappedKey using the recipient's
// X25519 private key.
func UnwrapKey(wk *WrappedKey, recipientPrivate [32]byte) (ChunkKey, error) {
	var zero ChunkKey
	shared, err := curve25519.X25519(recipientPrivate[:], wk.EphemeralPublicKey[:])
	if err != nil {
		return zero, dlerr.New(dlerr.KindInternal, "UnwrapKey.dh", err)
	}

	kek, err := deriveKEK(wk.EphemeralPublicKey[:], shared, hkdfInfoKey)
	if err != nil {
		return zero, err
	}

	gcm, err := newGCM(kek)
	if err != nil {
		return zero, err
	}
	plain, err := gcm.Open(nil, wk.Nonce[:], wk.EncryptedKey, nil)
	if err != nil {
		return zero, dlerr.New(dlerr.KindHashMismatch, "UnwrapKey.open", err)
	}
	var key ChunkKey
	copy(key[:], plain)
	return key, nil
}

func deriveKEK(salt, secret, info []byte) (ChunkKey, error) {
	var out ChunkKey
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, dlerr.New(dlerr.KindInternal, "deriveKEK", err)
	}
	return out, nil
}
