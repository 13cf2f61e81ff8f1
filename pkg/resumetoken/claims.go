package resumetoken

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chiral-network/downloader/pkg/dlerr"
)

const (
	minLeaseSeconds     = 300
	maxLeaseSeconds     = 86_400
	defaultLeaseSeconds = 14_400
	defaultScope        = "resume"
	signingAlg          = "EdDSA"
)

// ResumeTokenClaims is the JWT payload bound to one resumable transfer.
type ResumeTokenClaims struct {
	jwt.RegisteredClaims
	DownloadID string `json:"download_id"`
	Etag       string `json:"etag"`
	Epoch      uint64 `json:"epoch"`
	Scope      string `json:"scp"`
	KeyID      string `json:"kid"`
}

// EnsureStrongEtag rejects empty or weak (W/-prefixed) ETags; the resume
// protocol only ever binds to a strong validator.
func EnsureStrongEtag(etag string) (string, error) {
	trimmed := strings.TrimSpace(etag)
	if trimmed == "" {
		return "", dlerr.New(dlerr.KindInvalid, "EnsureStrongEtag", errEtagMissing)
	}
	if strings.HasPrefix(trimmed, "W/") {
		return "", dlerr.New(dlerr.KindWeakEtag, "EnsureStrongEtag", errWeakEtag)
	}
	return trimmed, nil
}

func clampLease(d time.Duration) (time.Duration, error) {
	secs := int64(d / time.Second)
	if secs < minLeaseSeconds {
		return 0, dlerr.New(dlerr.KindInvalid, "clampLease", errLeaseTooShort)
	}
	if secs > maxLeaseSeconds {
		return 0, dlerr.New(dlerr.KindInvalid, "clampLease", errLeaseTooLong)
	}
	return d, nil
}
