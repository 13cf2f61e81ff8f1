package resumetoken

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"sync"
	"time"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// Jwk is a single entry in a JWKS document: an Ed25519 ("OKP"/"Ed25519")
// public key identified by kid.
type Jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Crv string `json:"crv,omitempty"`
	Kid string `json:"kid"`
	X   string `json:"x"`
}

// JwkDocument is a JWKS document: a set of keys.
type JwkDocument struct {
	Keys []Jwk `json:"keys"`
}

// PublicKey decodes the Jwk's base64url "x" coordinate into an Ed25519
// public key.
func (k Jwk) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, dlerr.New(dlerr.KindJwks, "Jwk.PublicKey", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, dlerr.New(dlerr.KindJwks, "Jwk.PublicKey", errBadKeyLength)
	}
	return ed25519.PublicKey(raw), nil
}

// Fetcher retrieves a JWKS document, given the last known etag (for
// conditional requests). Implementations should return notModified=true
// and a nil document when the server reports no change.
type Fetcher interface {
	Fetch(ctx context.Context, etag string) (doc *JwkDocument, newEtag string, maxAge time.Duration, notModified bool, err error)
}

// Cache fetches and caches a JWKS document, refreshing it at most once
// concurrently per key id via a hand-rolled single-flight gate (this
// module's dependency set has no golang.org/x/sync import to reuse).
type Cache struct {
	fetcher Fetcher

	mu         sync.Mutex
	doc        *JwkDocument
	etag       string
	expiresAt  time.Time
	refreshing chan struct{} // non-nil while a refresh is in flight
}

// NewCache builds a Cache backed by fetcher.
func NewCache(fetcher Fetcher) *Cache {
	return &Cache{fetcher: fetcher}
}

// GetKey resolves kid to a public key, refreshing the underlying document
// if it is stale or the key is unknown. Concurrent callers during a refresh
// wait on the same in-flight fetch rather than issuing duplicate requests.
func (c *Cache) GetKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	key, ok := c.lookup(kid)
	if !ok {
		return nil, dlerr.New(dlerr.KindJwks, "Cache.GetKey", errKeyNotFound)
	}
	return key, nil
}

func (c *Cache) lookup(kid string) (ed25519.PublicKey, bool) {
	c.mu.Lock()
	doc, fresh := c.doc, time.Now().Before(c.expiresAt)
	c.mu.Unlock()
	if doc == nil || !fresh {
		return nil, false
	}
	for _, jwk := range doc.Keys {
		if jwk.Kid == kid {
			key, err := jwk.PublicKey()
			if err != nil {
				return nil, false
			}
			return key, true
		}
	}
	return nil, false
}

func (c *Cache) refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.refreshing != nil {
		wait := c.refreshing
		c.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.refreshing = done
	etag := c.etag
	c.mu.Unlock()

	doc, newEtag, maxAge, notModified, err := c.fetcher.Fetch(ctx, etag)

	c.mu.Lock()
	if err == nil {
		if !notModified && doc != nil {
			c.doc = doc
			c.etag = newEtag
		}
		if maxAge <= 0 {
			maxAge = time.Minute
		}
		c.expiresAt = time.Now().Add(maxAge)
	}
	c.refreshing = nil
	c.mu.Unlock()
	close(done)

	if err != nil {
		return dlerr.Wrap(dlerr.KindJwks, "Cache.refresh", "", err)
	}
	return nil
}
