package dlcrypto

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// EncryptedMessage is a control-channel message sealed for one recipient
// using the same ECIES-over-X25519 pattern as WrapKey, but for arbitrary
// byte payloads (handshake envelopes, signaling frames) rather than a
// fixed-size chunk key.
type EncryptedMessage struct {
	EphemeralPublicKey [32]byte
	Ciphertext         []byte
	Nonce              [12]byte
}

// EncryptMessage seals message for recipientPublic.
func EncryptMessage(message []byte, recipientPublic [32]byte) (*EncryptedMessage, error) {
	var ephemeralPriv [32]byte
	if _, err := rand.Read(ephemeralPriv[:]); err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "EncryptMessage.ephemeral", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "EncryptMessage.ephemeralPublic", err)
	}
	shared, err := curve25519.X25519(ephemeralPriv[:], recipientPublic[:])
	if err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "EncryptMessage.dh", err)
	}

	key, err := deriveKEK(ephemeralPub, shared, hkdfInfoMessage)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "EncryptMessage.nonce", err)
	}

	em := &EncryptedMessage{Ciphertext: gcm.Seal(nil, nonce[:], message, nil), Nonce: nonce}
	copy(em.EphemeralPublicKey[:], ephemeralPub)
	return em, nil
}

// DecryptMessage recovers the plaintext of an EncryptedMessage using the
// recipient's X25519 private key.
func DecryptMessage(em *EncryptedMessage, recipientPrivate [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(recipientPrivate[:], em.EphemeralPublicKey[:])
	if err != nil {
		return nil, dlerr.New(dlerr.KindInternal, "DecryptMessage.dh", err)
	}
	key, err := deriveKEK(em.EphemeralPublicKey[:], shared, hkdfInfoMessage)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, em.Nonce[:], em.Ciphertext, nil)
	if err != nil {
		return nil, dlerr.New(dlerr.KindHashMismatch, "DecryptMessage.open", err)
	}
	return plain, nil
}

// SignedMessage pairs a message with an Ed25519 signature and the signer's
// public key, so a verifier with no other context can check authenticity.
type SignedMessage struct {
	Message         []byte
	SignerPublicKey ed25519.PublicKey
	Signature       []byte
}

// SignMessage signs message with the given Ed25519 private key.
func SignMessage(message []byte, priv ed25519.PrivateKey) *SignedMessage {
	return &SignedMessage{
		Message:         message,
		SignerPublicKey: priv.Public().(ed25519.PublicKey),
		Signature:       ed25519.Sign(priv, message),
	}
}

// VerifyMessage reports whether sm's signature is valid for its message
// under its embedded public key.
func VerifyMessage(sm *SignedMessage) bool {
	if len(sm.SignerPublicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(sm.SignerPublicKey, sm.Message, sm.Signature)
}
