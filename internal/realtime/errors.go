package realtime

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// KindAuthentication: missing or bad credential, or acting before
	// authenticating.
	KindAuthentication ErrorKind = iota + 1
	// KindAuthorization: acting on a conversation the user is not part of.
	KindAuthorization
	// KindValidation: empty content or a malformed payload.
	KindValidation
	// KindPersistence: the store failed.
	KindPersistence
	// KindUnrecognized: an event name outside the protocol.
	KindUnrecognized
)

// Code is the machine-readable code sent to clients.
func (k ErrorKind) Code() string {
	switch k {
	case KindAuthentication:
		return "unauthenticated"
	case KindAuthorization:
		return "forbidden"
	case KindValidation:
		return "invalid_request"
	case KindPersistence:
		return "storage_failure"
	case KindUnrecognized:
		return "unrecognized_event"
	}
	return "internal"
}

// Error is returned by every core operation that rejects a request.
// Callers can use errors.As to extract it:
//
//	var rtErr *realtime.Error
//	if errors.As(err, &rtErr) && rtErr.Kind == realtime.KindValidation { ... }
type Error struct {
	Kind ErrorKind
	// Message is safe to show to the client.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.Kind == kind
	}
	return false
}

func unauthenticated(msg string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Err: err}
}

func forbidden(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func invalid(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func storageFailure(msg string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: msg, Err: err}
}

func unrecognized(kind EventKind) *Error {
	return &Error{Kind: KindUnrecognized, Message: fmt.Sprintf("unrecognized event %q", kind)}
}
