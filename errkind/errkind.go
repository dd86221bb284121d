// Package errkind enumerates the error taxonomy surfaced at the router
// boundary and maps each kind to an HTTP status, so handlers don't
// sniff error strings to decide how to respond.
package errkind

import (
	"fmt"
	"net/http"
)

// Kind is one of the abstract error kinds from the error-handling design.
type Kind int

const (
	// Internal is the zero value so an unwrapped error defaults to 500.
	Internal Kind = iota
	BadRequest
	TokenInvalid
	TokenExpired
	Unauthorized
	NotFound
	UpstreamTimeout
	UpstreamError
	Configuration
	KeyNotFound
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case TokenInvalid:
		return "token_invalid"
	case TokenExpired:
		return "token_expired"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case UpstreamTimeout:
		return "upstream_timeout"
	case UpstreamError:
		return "upstream_error"
	case Configuration:
		return "configuration"
	case KeyNotFound:
		return "key_not_found"
	default:
		return "internal"
	}
}

// StatusCode maps a Kind to the HTTP status the router emits.
func (k Kind) StatusCode() int {
	switch k {
	case BadRequest, KeyNotFound:
		return http.StatusBadRequest
	case TokenInvalid, TokenExpired:
		return http.StatusForbidden
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case UpstreamTimeout:
		return http.StatusBadGateway
	case UpstreamError:
		return http.StatusBadGateway
	case Configuration, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps a cause with a Kind so the router can recover it via errors.As.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind.String(), e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a new kinded error from a message.
func New(k Kind, msg string) error {
	return &Error{Kind: k, Cause: fmt.Errorf("%s", msg)}
}

// Wrap attaches a Kind to an existing cause.
func Wrap(k Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: k, Cause: cause}
}

// StatusCode walks err looking for an *Error; unkinded errors default to 500.
func StatusCode(err error) int {
	var e *Error
	if as(err, &e) {
		return e.Kind.StatusCode()
	}
	return http.StatusInternalServerError
}

// as is a tiny local shim so this package doesn't need to import "errors"
// purely for the As signature in both this file and callers.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
