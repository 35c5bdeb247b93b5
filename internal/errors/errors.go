// Package errors defines the closed fault taxonomy used throughout BlobCourier.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies a StorageError into one of the closed set of fault kinds.
type Kind int

const (
	// KindTransport covers network and HTTP-layer faults. Retriable.
	KindTransport Kind = iota
	// KindAuth covers token refresh and token transport faults. Retriable.
	KindAuth
	// KindNotFound means the object or bucket is absent. Terminal.
	KindNotFound
	// KindGone means the resumable URI has expired; the caller must restart
	// the upload. Terminal.
	KindGone
	// KindPrecondition covers offset/range mismatches and inaccessible bucket
	// overrides. Terminal: retrying could desynchronize byte accounting.
	KindPrecondition
	// KindDeleteStorage means bucket deletion was blocked by bucket state.
	// Terminal.
	KindDeleteStorage
	// KindInvalidArgument means required caller-supplied metadata is missing.
	// Terminal, caller bug.
	KindInvalidArgument
)

// String returns the machine-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindAuth:
		return "Auth"
	case KindNotFound:
		return "NotFound"
	case KindGone:
		return "Gone"
	case KindPrecondition:
		return "Precondition"
	case KindDeleteStorage:
		return "DeleteStorage"
	case KindInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// StorageError is a storage API fault with a kind, a human-readable message,
// the upstream HTTP status (when one was observed), a response body excerpt,
// and the object key involved.
type StorageError struct {
	// Kind is the fault classification.
	Kind Kind
	// Message is a human-readable description of the fault.
	Message string
	// HTTPStatus is the upstream HTTP status code, or 0 if none was observed.
	HTTPStatus int
	// Body is an excerpt of the upstream response body, for diagnostics.
	Body string
	// Key is the object key or bucket name involved, when known.
	Key string
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	msg := fmt.Sprintf("storage: %s: %s", e.Kind, e.Message)
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (status %d)", e.HTTPStatus)
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is reports whether target matches this error. Two StorageErrors match when
// their kinds are equal, so callers can test against the kind sentinels below
// with the standard errors.Is.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Kind == e.Kind
}

// WithKey returns a copy of the StorageError with the object key set.
func (e *StorageError) WithKey(key string) *StorageError {
	cp := *e
	cp.Key = key
	return &cp
}

// Kind sentinels for errors.Is comparisons. Only the Kind participates in
// matching.
var (
	ErrTransport       = &StorageError{Kind: KindTransport, Message: "transport fault"}
	ErrAuth            = &StorageError{Kind: KindAuth, Message: "auth fault"}
	ErrNotFound        = &StorageError{Kind: KindNotFound, Message: "not found"}
	ErrGone            = &StorageError{Kind: KindGone, Message: "resumable upload is no longer available"}
	ErrPrecondition    = &StorageError{Kind: KindPrecondition, Message: "precondition failed"}
	ErrDeleteStorage   = &StorageError{Kind: KindDeleteStorage, Message: "delete storage failed"}
	ErrInvalidArgument = &StorageError{Kind: KindInvalidArgument, Message: "invalid argument"}
)

// Transport constructs a retriable transport fault from an upstream status
// and body.
func Transport(status int, body, format string, args ...any) *StorageError {
	return &StorageError{
		Kind:       KindTransport,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: status,
		Body:       body,
	}
}

// Auth constructs a retriable auth fault wrapping a token acquisition failure.
func Auth(format string, args ...any) *StorageError {
	return &StorageError{Kind: KindAuth, Message: fmt.Sprintf(format, args...)}
}

// NotFound constructs a terminal not-found fault.
func NotFound(key, format string, args ...any) *StorageError {
	return &StorageError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...), HTTPStatus: 404, Key: key}
}

// Gone constructs a terminal fault for an expired resumable URI.
func Gone(body string) *StorageError {
	return &StorageError{
		Kind:       KindGone,
		Message:    "resumable upload is no longer available",
		HTTPStatus: 410,
		Body:       body,
	}
}

// Precondition constructs a terminal precondition fault.
func Precondition(format string, args ...any) *StorageError {
	return &StorageError{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...), HTTPStatus: 412}
}

// DeleteStorage constructs a terminal fault for a blocked bucket deletion.
func DeleteStorage(status int, body, bucket string) *StorageError {
	return &StorageError{
		Kind:       KindDeleteStorage,
		Message:    "could not delete bucket",
		HTTPStatus: status,
		Body:       body,
		Key:        bucket,
	}
}

// InvalidArgument constructs a terminal fault for missing or invalid
// caller-supplied data.
func InvalidArgument(format string, args ...any) *StorageError {
	return &StorageError{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// Retriable reports whether the retry policy may absorb err. The retriable
// set is closed: transport faults, auth faults, and the connection-level trio
// of payload truncation, connector failure, and OS-level socket errors.
// Everything else, notably precondition and explicit 4xx domain faults,
// propagates immediately.
func Retriable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind == KindTransport || se.Kind == KindAuth
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return true
	}
	return false
}
