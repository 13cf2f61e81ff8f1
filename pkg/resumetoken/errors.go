package resumetoken

import "errors"

var (
	errEtagMissing   = errors.New("etag missing")
	errWeakEtag      = errors.New("weak etag rejected")
	errLeaseTooShort = errors.New("lease duration below minimum")
	errLeaseTooLong  = errors.New("lease duration above maximum")

	errTokenFormat    = errors.New("token is not in header.payload.signature form")
	errAlgMismatch    = errors.New("unexpected signing algorithm")
	errKidMismatch    = errors.New("claims kid does not match header kid")
	errAudMismatch    = errors.New("unexpected audience")
	errScopeMismatch  = errors.New("unexpected scope")
	errFileIDMismatch = errors.New("unexpected file id")
	errDownloadMismatch = errors.New("unexpected download id")
	errEpochMismatch  = errors.New("unexpected epoch")
	errLeaseBounds    = errors.New("lease length outside allowed bounds")
	errEtagMismatch   = errors.New("ack etag does not match token etag")
	errLeaseExpMismatch = errors.New("ack lease_exp does not match token exp")
	errLeaseIatMismatch = errors.New("ack lease_issued_at does not match token iat")

	errBadKeyLength = errors.New("jwk x coordinate is not a 32-byte Ed25519 public key")
	errKeyNotFound  = errors.New("no jwk found for kid")
)
