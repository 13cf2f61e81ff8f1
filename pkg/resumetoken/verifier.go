package resumetoken

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// Verifier checks resume tokens issued by some Signer whose public keys are
// reachable through a JWKS Cache.
type Verifier struct {
	cache             *Cache
	expectedAudience  string
	expectedScope     string
	maxClockSkew      time.Duration
}

// NewVerifier builds a Verifier expecting tokens audienced to
// expectedAudience, with the default resume scope and five minutes of
// clock-skew tolerance.
func NewVerifier(cache *Cache, expectedAudience string) *Verifier {
	return &Verifier{
		cache:            cache,
		expectedAudience: expectedAudience,
		expectedScope:    defaultScope,
		maxClockSkew:     5 * time.Minute,
	}
}

// WithClockSkew overrides the verifier's clock-skew tolerance.
func (v *Verifier) WithClockSkew(d time.Duration) *Verifier {
	v.maxClockSkew = d
	return v
}

// VerifyAck checks ack's resume token against the expected file/download
// id and epoch, and that the ack's plaintext etag/lease fields agree with
// the token's signed claims. Returns the validated claims and lease window.
func (v *Verifier) VerifyAck(ctx context.Context, ack *HandshakeAck, expectedFileID, expectedDownloadID string, now time.Time) (*ResumeTokenClaims, LeaseWindow, error) {
	claims, err := v.verifyToken(ctx, ack.ResumeToken, expectedFileID, expectedDownloadID, ack.Epoch, now)
	if err != nil {
		return nil, LeaseWindow{}, err
	}

	etag, err := EnsureStrongEtag(ack.Etag)
	if err != nil {
		return nil, LeaseWindow{}, err
	}
	if etag != claims.Etag {
		return nil, LeaseWindow{}, dlerr.New(dlerr.KindInvalid, "VerifyAck", errEtagMismatch)
	}
	if !ack.LeaseExp.Equal(claims.ExpiresAt.Time) {
		return nil, LeaseWindow{}, dlerr.New(dlerr.KindInvalid, "VerifyAck", errLeaseExpMismatch)
	}
	if !ack.LeaseIssuedAt.Equal(claims.IssuedAt.Time) {
		return nil, LeaseWindow{}, dlerr.New(dlerr.KindInvalid, "VerifyAck", errLeaseIatMismatch)
	}

	return claims, ack.Window(), nil
}

func (v *Verifier) verifyToken(ctx context.Context, tokenString, expectedFileID, expectedDownloadID string, expectedEpoch uint64, now time.Time) (*ResumeTokenClaims, error) {
	claims := &ResumeTokenClaims{}
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != signingAlg {
			return nil, errAlgMismatch
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errKidMismatch
		}
		return v.cache.GetKey(ctx, kid)
	}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods([]string{signingAlg}),
		jwt.WithoutClaimsValidation(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return nil, dlerr.New(dlerr.KindSignature, "verifyToken", err)
	}

	if kid, _ := parsed.Header["kid"].(string); kid != claims.KeyID {
		return nil, dlerr.New(dlerr.KindInvalid, "verifyToken", errKidMismatch)
	}

	if err := v.validateClaims(claims, expectedFileID, expectedDownloadID, expectedEpoch, now); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) validateClaims(claims *ResumeTokenClaims, expectedFileID, expectedDownloadID string, expectedEpoch uint64, now time.Time) error {
	if claims.Subject != expectedFileID {
		return dlerr.New(dlerr.KindInvalid, "validateClaims", errFileIDMismatch)
	}
	if claims.DownloadID != expectedDownloadID {
		return dlerr.New(dlerr.KindInvalid, "validateClaims", errDownloadMismatch)
	}
	if claims.Epoch != expectedEpoch {
		return dlerr.New(dlerr.KindInvalid, "validateClaims", errEpochMismatch)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != v.expectedAudience {
		return dlerr.New(dlerr.KindInvalid, "validateClaims", errAudMismatch)
	}
	if claims.Scope != v.expectedScope {
		return dlerr.New(dlerr.KindInvalid, "validateClaims", errScopeMismatch)
	}
	if _, err := EnsureStrongEtag(claims.Etag); err != nil {
		return err
	}

	leaseLen := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
	if leaseLen < minLeaseSeconds*time.Second || leaseLen > maxLeaseSeconds*time.Second {
		return dlerr.New(dlerr.KindInvalid, "validateClaims", errLeaseBounds)
	}

	skew := v.maxClockSkew
	if now.Add(-skew).After(claims.ExpiresAt.Time) {
		return dlerr.New(dlerr.KindExpired, "validateClaims", nil)
	}
	if now.Add(skew).Before(claims.NotBefore.Time) {
		return dlerr.New(dlerr.KindNotYetValid, "validateClaims", nil)
	}
	if absDuration(claims.IssuedAt.Time.Sub(now)) > skew {
		return dlerr.New(dlerr.KindClockSkew, "validateClaims", nil)
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
