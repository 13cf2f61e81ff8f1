package resumetoken

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

type staticFetcher struct {
	doc  *JwkDocument
	etag string
}

func (f *staticFetcher) Fetch(_ context.Context, etag string) (*JwkDocument, string, time.Duration, bool, error) {
	if etag == f.etag {
		return nil, f.etag, time.Minute, true, nil
	}
	return f.doc, f.etag, time.Minute, false, nil
}

func cacheWithKey(pub ed25519.PublicKey, kid string) *Cache {
	doc := &JwkDocument{Keys: []Jwk{{
		Kty: "OKP",
		Alg: "EdDSA",
		Crv: "Ed25519",
		Kid: kid,
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}}}
	return NewCache(&staticFetcher{doc: doc, etag: "v1"})
}

func TestIssueAndVerifyAck_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	request := NewHandshakeRequest("file1", "dl1", 7, "peerA")
	signer := NewSigner(priv, "kid1", "peerB")

	now := time.Now()
	ack, err := signer.IssueAck(request, `"strong"`, 1337, request.Epoch, now, nil)
	require.NoError(t, err)

	cache := cacheWithKey(pub, "kid1")
	verifier := NewVerifier(cache, "peerB")

	claims, window, err := verifier.VerifyAck(context.Background(), ack, "file1", "dl1", now)
	require.NoError(t, err)
	assert.Equal(t, "file1", claims.Subject)
	assert.Equal(t, defaultLeaseSeconds*time.Second, window.Duration())
}

func TestVerifyAck_RejectsWrongAudience(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	request := NewHandshakeRequest("file1", "dl1", 1, "peerA")
	signer := NewSigner(priv, "kid1", "peerB")
	now := time.Now()
	ack, err := signer.IssueAck(request, `"strong"`, 10, request.Epoch, now, nil)
	require.NoError(t, err)

	cache := cacheWithKey(pub, "kid1")
	verifier := NewVerifier(cache, "peerC")

	_, _, err = verifier.VerifyAck(context.Background(), ack, "file1", "dl1", now)
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindInvalid))
	assert.False(t, dlerr.Is(err, dlerr.KindInvalidURL))
}

func TestVerifyAck_RejectsMissingKid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	request := NewHandshakeRequest("file1", "dl1", 1, "peerA")
	signer := NewSigner(priv, "kid_missing", "peerB")
	now := time.Now()
	ack, err := signer.IssueAck(request, `"strong"`, 10, request.Epoch, now, nil)
	require.NoError(t, err)

	cache := cacheWithKey(pub, "kid1")
	verifier := NewVerifier(cache, "peerB")

	_, _, err = verifier.VerifyAck(context.Background(), ack, "file1", "dl1", now)
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindJwks))
}

func TestVerifyAck_RejectsExpiredToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	request := NewHandshakeRequest("file1", "dl1", 1, "peerA")
	signer := NewSigner(priv, "kid1", "peerB")
	now := time.Now()
	ack, err := signer.IssueAck(request, `"strong"`, 10, request.Epoch, now, nil)
	require.NoError(t, err)

	cache := cacheWithKey(pub, "kid1")
	verifier := NewVerifier(cache, "peerB")

	future := ack.LeaseExp.Add(10 * time.Minute)
	_, _, err = verifier.VerifyAck(context.Background(), ack, "file1", "dl1", future)
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindExpired))
}

func TestVerifyAck_RejectsNotYetValid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	request := NewHandshakeRequest("file1", "dl1", 1, "peerA")
	signer := NewSigner(priv, "kid1", "peerB")
	now := time.Now()
	ack, err := signer.IssueAck(request, `"strong"`, 10, request.Epoch, now, nil)
	require.NoError(t, err)

	cache := cacheWithKey(pub, "kid1")
	verifier := NewVerifier(cache, "peerB")

	past := ack.LeaseIssuedAt.Add(-10 * time.Minute)
	_, _, err = verifier.VerifyAck(context.Background(), ack, "file1", "dl1", past)
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindNotYetValid))
}

func TestEnsureStrongEtag_RejectsWeak(t *testing.T) {
	_, err := EnsureStrongEtag(`W/"weak"`)
	require.Error(t, err)
	assert.True(t, dlerr.Is(err, dlerr.KindWeakEtag))
}
