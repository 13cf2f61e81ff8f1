// Package dlerr defines the error taxonomy shared by every download-engine
// component: a typed, categorized error plus sentinel values for errors.Is.
package dlerr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Category groups kinds into the propagation buckets described in the
// "ERROR HANDLING DESIGN" section: validation, filesystem, protocol,
// network, integrity, crypto, state, capability, or last-resort.
type Category string

const (
	CategoryValidation  Category = "validation"
	CategoryFilesystem  Category = "filesystem"
	CategoryProtocol    Category = "protocol"
	CategoryNetwork     Category = "network"
	CategoryIntegrity   Category = "integrity"
	CategoryCrypto      Category = "crypto"
	CategoryState       Category = "state"
	CategoryCapability  Category = "capability"
	CategoryInternal    Category = "internal"
)

// Kind enumerates the concrete error variants named in the taxonomy.
type Kind string

const (
	KindInvalidIdentifier Kind = "InvalidIdentifier"
	KindInvalidMagnet     Kind = "InvalidMagnet"
	KindInvalidURL        Kind = "InvalidUrl"

	KindFileNotFound   Kind = "FileNotFound"
	KindPathTraversal  Kind = "PathTraversal"
	KindDiskFull       Kind = "DiskFull"
	KindIoError        Kind = "IoError"
	KindLockFailed     Kind = "LockFailed"
	KindPartSizeMismatch Kind = "PartSizeMismatch"
	KindUnsupportedVersion Kind = "UnsupportedVersion"

	KindRangeUnsupported Kind = "RangeUnsupported"
	KindWeakEtag         Kind = "WeakEtag"
	KindUnexpectedStatus Kind = "UnexpectedStatus"
	KindNetworkError     Kind = "NetworkError"

	KindUnreachable Kind = "Unreachable"
	KindTimeout     Kind = "Timeout"

	KindHashMismatch     Kind = "HashMismatch"
	KindChecksumMismatch Kind = "ChecksumMismatch"

	KindSignature   Kind = "Signature"
	KindExpired     Kind = "Expired"
	KindNotYetValid Kind = "NotYetValid"
	KindClockSkew   Kind = "ClockSkew"
	KindJwks        Kind = "Jwks"

	KindAlreadyExists   Kind = "AlreadyExists"
	KindDownloadNotFound Kind = "DownloadNotFound"

	KindNotSupported Kind = "NotSupported"

	// KindInvalid is the resume-token service's generic Invalid(reason)
	// variant (§4.5): malformed or mismatched claims (wrong audience,
	// wrong file/download id, epoch mismatch, out-of-bounds lease, ack/claim
	// cross-check failures). It is distinct from KindInvalidURL, which is
	// reserved for malformed source-identifier URLs.
	KindInvalid Kind = "Invalid"

	KindInternal Kind = "Internal"
	KindUnknown  Kind = "Unknown"
)

// categoryOf maps a Kind to its Category for callers that only have a Kind.
func categoryOf(k Kind) Category {
	switch k {
	case KindInvalidIdentifier, KindInvalidMagnet, KindInvalidURL:
		return CategoryValidation
	case KindFileNotFound, KindPathTraversal, KindDiskFull, KindIoError,
		KindLockFailed, KindPartSizeMismatch, KindUnsupportedVersion:
		return CategoryFilesystem
	case KindRangeUnsupported, KindWeakEtag, KindUnexpectedStatus, KindNetworkError:
		return CategoryProtocol
	case KindUnreachable, KindTimeout:
		return CategoryNetwork
	case KindHashMismatch, KindChecksumMismatch:
		return CategoryIntegrity
	case KindSignature, KindExpired, KindNotYetValid, KindClockSkew, KindJwks, KindInvalid:
		return CategoryCrypto
	case KindAlreadyExists, KindDownloadNotFound:
		return CategoryState
	case KindNotSupported:
		return CategoryCapability
	default:
		return CategoryInternal
	}
}

// Error is the canonical wrapped error carried across component boundaries.
type Error struct {
	Kind     Kind
	Category Category
	Op       string
	Path     string
	Err      error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s failed for %s: %v", e.Kind, e.Op, e.Path, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is against a sentinel *Error with only Kind set.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds a categorized error for the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Category: categoryOf(kind), Op: op, Err: err}
}

// NewWithStack is New, but first attaches a stack trace to err via
// github.com/pkg/errors. Use it at adapter boundaries where a raw network
// or transport error first enters the taxonomy, so a %+v on the eventual
// failure log shows where the underlying call actually happened instead of
// just where it was last wrapped.
func NewWithStack(kind Kind, op string, err error) *Error {
	return New(kind, op, pkgerrors.WithStack(err))
}

// WithPath attaches the path involved in the failing operation.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// Wrap is a convenience constructor equivalent to New(kind, op, err).WithPath(path).
func Wrap(kind Kind, op, path string, err error) *Error {
	return New(kind, op, err).WithPath(path)
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// RetryPossible reports whether the caller-visible failure could plausibly
// succeed on retry. Filesystem, state, and capability errors never are.
func RetryPossible(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch categoryOf(k) {
	case CategoryNetwork, CategoryProtocol:
		return true
	default:
		return false
	}
}

// UserFacing maps a Kind to the machine code and human sentence surfaced to
// callers, per the "User-visible behavior" section.
func UserFacing(err error) (code string, message string) {
	k, ok := KindOf(err)
	if !ok {
		return "UNKNOWN", err.Error()
	}
	switch k {
	case KindDownloadNotFound:
		return "DOWNLOAD_NOT_FOUND", "No such download is known to this node."
	case KindDiskFull:
		return "STORAGE_EXHAUSTED", "There is not enough free disk space to continue this download."
	case KindInvalidIdentifier, KindInvalidMagnet, KindInvalidURL:
		return "DOWNLOAD_INVALID_REQUEST", "The download request could not be understood."
	case KindInvalid:
		return "DOWNLOAD_INVALID_REQUEST", "The resume token could not be validated against this download."
	case KindUnreachable, KindTimeout, KindNetworkError, KindRangeUnsupported:
		return "DOWNLOAD_SOURCE_ERROR", "The selected source is not responding correctly."
	case KindIoError, KindPathTraversal, KindPartSizeMismatch, KindLockFailed:
		return "IO_ERROR", "A local filesystem error interrupted the download."
	case KindAlreadyExists:
		return "DOWNLOAD_ALREADY_COMPLETE", "This download already exists and is complete."
	default:
		return "UNKNOWN", err.Error()
	}
}
