// Package memerr defines the unified error taxonomy for memory store
// operations. Every storage backend maps its failures to these kinds so that
// callers (and the HTTP layer) can handle them without knowing which backend
// produced them.
package memerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the separately observable error classes.
type Kind string

const (
	KindDuplicateHash     Kind = "duplicate_hash"
	KindNotFound          Kind = "not_found"
	KindInvalidArgument   Kind = "invalid_argument"
	KindEmbeddingFailure  Kind = "embedding_failure"
	KindStorageBusy       Kind = "storage_busy"
	KindUnsupportedRemote Kind = "unsupported_remote"
	KindInternal          Kind = "internal"
)

// Error is the standardized store error. It carries the kind, a human
// message, the content hash when one is relevant, and the wrapped cause.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Hash      string `json:"hash,omitempty"`
	Retryable bool   `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("[%s] %s (hash=%s)", e.Kind, e.Message, e.Hash)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatusCode maps the kind to the status the API layer must return.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindDuplicateHash:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindStorageBusy:
		return http.StatusServiceUnavailable
	case KindUnsupportedRemote:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == kind
}

// IsDuplicate reports a DuplicateHash error.
func IsDuplicate(err error) bool { return Is(err, KindDuplicateHash) }

// IsNotFound reports a NotFound error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// Duplicate creates the error returned when a store rejects an identity that
// is already present.
func Duplicate(hash string) *Error {
	return &Error{
		Kind:    KindDuplicateHash,
		Message: "memory already exists",
		Hash:    hash,
	}
}

// NotFound creates the error for operations referring to an absent hash.
func NotFound(hash string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: "memory not found",
		Hash:    hash,
	}
}

// InvalidArgument creates a caller-input error (empty tag lists, wrong update
// shapes, mandatory time expressions that did not parse).
func InvalidArgument(msg string) *Error {
	return &Error{
		Kind:    KindInvalidArgument,
		Message: msg,
	}
}

// EmbeddingFailure creates the error raised when the provider could not
// produce a vector.
func EmbeddingFailure(msg string, cause error) *Error {
	return &Error{
		Kind:    KindEmbeddingFailure,
		Message: msg,
		cause:   cause,
	}
}

// StorageBusy creates the error returned when a write could not acquire the
// database within the retry budget.
func StorageBusy(cause error) *Error {
	return &Error{
		Kind:      KindStorageBusy,
		Message:   "database busy after retries",
		Retryable: true,
		cause:     cause,
	}
}

// UnsupportedRemote marks a bulk-destructive operation attempted against a
// remote store, which the current transport contract forbids.
func UnsupportedRemote(op string) *Error {
	return &Error{
		Kind:    KindUnsupportedRemote,
		Message: fmt.Sprintf("%s is not supported against a remote store", op),
	}
}

// Internal wraps anything that does not fit the taxonomy.
func Internal(msg string, cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Message: msg,
		cause:   cause,
	}
}
