package cache

import "errors"

// StoreError represents a domain error from cache operations.
//
// These are business logic errors (missing fingerprint, expired session,
// exceeded payload limit) as opposed to infrastructure errors (disk
// failure, network error). Callers branch on Code to decide whether the
// condition is recoverable; infrastructure errors are wrapped with %w and
// surface as ordinary errors.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Fingerprint is the content fingerprint related to the error, if any
	Fingerprint Fingerprint
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if !e.Fingerprint.IsZero() {
		return e.Message + ": " + e.Fingerprint.String()
	}
	return e.Message
}

// ErrorCode represents the category of a cache error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested fingerprint has no stored content.
	// Recoverable: the caller may re-fetch the content from its origin and
	// ingest it again.
	ErrNotFound ErrorCode = iota

	// ErrPayloadTooLarge indicates an ingestion exceeded the configured
	// maximum payload size and was aborted. The caller may retry with
	// adjusted input.
	ErrPayloadTooLarge

	// ErrTimeout indicates an ingestion exceeded its maximum duration and
	// was aborted.
	ErrTimeout

	// ErrSessionExpired indicates the session's idle timeout elapsed or the
	// session was closed. The caller must open a new session.
	ErrSessionExpired

	// ErrCorruptionDetected indicates stored content no longer matches its
	// fingerprint. The record has been quarantined and must be surfaced to
	// an operator, never silently served.
	ErrCorruptionDetected

	// ErrCapacityExceeded indicates eviction could not free enough indexed
	// space, or an owner quota would be exceeded. Surfaced rather than
	// silently over-committing storage.
	ErrCapacityExceeded

	// ErrAlreadyExists indicates a record or session with the same identity
	// already exists.
	ErrAlreadyExists

	// ErrInvalidArgument indicates invalid parameters were provided.
	// Examples: zero fingerprint, empty owner ID, negative budget.
	ErrInvalidArgument

	// ErrIOError indicates an I/O error on the durable medium that survived
	// the store's bounded local retries.
	ErrIOError

	// ErrRateLimited indicates the owner exceeded the configured ingestion
	// rate and the request was rejected without waiting.
	ErrRateLimited
)

// String returns the symbolic name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "NotFound"
	case ErrPayloadTooLarge:
		return "PayloadTooLarge"
	case ErrTimeout:
		return "Timeout"
	case ErrSessionExpired:
		return "SessionExpired"
	case ErrCorruptionDetected:
		return "CorruptionDetected"
	case ErrCapacityExceeded:
		return "CapacityExceeded"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrIOError:
		return "IOError"
	case ErrRateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}

// IsCode reports whether err is, or wraps, a *StoreError with the given
// code.
//
// This is the canonical way for callers to branch on the error taxonomy
// without type-asserting at every call site.
func IsCode(err error, code ErrorCode) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == code
}
