// Package apperr defines the error kinds the gateway surfaces and their
// mapping to HTTP responses. Deep code wraps a kind with fmt.Errorf("...: %w");
// handlers unwrap with errors.As and map the kind to a status code. No layer
// catches a kind it does not handle.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindContractNotApproved
	KindSessionKeyMismatch
	KindUnresolvedArg
	KindEncoding
	KindHTTP
	KindPaymentRequired
	KindTimeout
	KindCanceled
	KindInternal
)

// Error is an error with a kind and optional structured details for the
// response body (e.g. ContractNotApproved carries the approved address list).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails attaches structured details surfaced in the HTTP body.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from an error chain. Unrecognized errors are
// KindInternal so unexpected failures never leak their message verbatim.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Get returns the *Error in the chain, or nil.
func Get(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// HTTPStatus maps a kind to its transport status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindContractNotApproved:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		// Client went away; 499 is the de-facto convention.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code for the response body.
func Code(kind Kind) string {
	switch kind {
	case KindValidation:
		return "validation_error"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindContractNotApproved:
		return "contract_not_approved"
	case KindSessionKeyMismatch:
		return "internal_error"
	case KindUnresolvedArg:
		return "unresolved_argument"
	case KindEncoding:
		return "encoding_error"
	case KindHTTP:
		return "upstream_error"
	case KindPaymentRequired:
		return "payment_required"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "internal_error"
	}
}
