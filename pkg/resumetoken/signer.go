package resumetoken

import (
	"crypto/ed25519"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

// Signer issues resume tokens on behalf of one seeder identity.
type Signer struct {
	signingKey      ed25519.PrivateKey
	keyID           string
	seederPeerID    string
	defaultDuration time.Duration
}

// NewSigner builds a Signer for the given Ed25519 key pair.
func NewSigner(signingKey ed25519.PrivateKey, keyID, seederPeerID string) *Signer {
	return &Signer{
		signingKey:      signingKey,
		keyID:           keyID,
		seederPeerID:    seederPeerID,
		defaultDuration: defaultLeaseSeconds * time.Second,
	}
}

// WithDefaultDuration overrides the signer's default lease length.
func (s *Signer) WithDefaultDuration(d time.Duration) *Signer {
	s.defaultDuration = d
	return s
}

// IssueAck builds a HandshakeAck bearing a freshly signed resume token for
// request, bound to etag/size/epoch and a lease starting at now.
func (s *Signer) IssueAck(request HandshakeRequest, etag string, size uint64, epoch uint64, now time.Time, leaseOverride *time.Duration) (*HandshakeAck, error) {
	lease := s.defaultDuration
	if leaseOverride != nil {
		lease = *leaseOverride
	}
	clamped, err := clampLease(lease)
	if err != nil {
		return nil, err
	}

	strongEtag, err := EnsureStrongEtag(etag)
	if err != nil {
		return nil, err
	}

	issuedAt := now
	expiresAt := now.Add(clamped)

	claims := ResumeTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   request.FileID,
			Audience:  jwt.ClaimStrings{s.seederPeerID},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DownloadID: request.DownloadID,
		Etag:       strongEtag,
		Epoch:      epoch,
		Scope:      defaultScope,
		KeyID:      s.keyID,
	}

	token, err := s.encodeToken(claims)
	if err != nil {
		return nil, err
	}

	return &HandshakeAck{
		FileID:        request.FileID,
		DownloadID:    request.DownloadID,
		Epoch:         epoch,
		Etag:          strongEtag,
		Size:          size,
		LeaseExp:      expiresAt,
		LeaseIssuedAt: issuedAt,
		ResumeToken:   token,
	}, nil
}

func (s *Signer) encodeToken(claims ResumeTokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", dlerr.New(dlerr.KindSignature, "Signer.encodeToken", err)
	}
	return signed, nil
}
