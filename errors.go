package selink

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAlreadyExecuting is returned by Execute while another command is in
	// flight. The in-flight command is left undisturbed.
	ErrAlreadyExecuting = errors.New("selink: a command is already executing")

	// ErrDeviceNotConnected is returned by Execute when the transport reports
	// no active connection.
	ErrDeviceNotConnected = errors.New("selink: device not connected")

	// ErrDeviceDisconnected resolves an in-flight command when the transport
	// connection is lost mid-exchange.
	ErrDeviceDisconnected = errors.New("selink: device disconnected")

	// ErrResponseDataEmpty resolves a command whose concatenation response
	// carried no data to strip the status word from.
	ErrResponseDataEmpty = errors.New("selink: concatenation response carries no data")

	// ErrApduErrorResponse resolves a command that received an error or
	// warning response with ContinueOnFailure unset.
	ErrApduErrorResponse = errors.New("selink: secure element returned an error response")

	// ErrUnauthorized is returned before any network call when no session
	// token is available, and wrapped by BackendError on a 401.
	ErrUnauthorized = errors.New("selink: no active session")

	// ErrMalformedResponse wraps frame or body decoding failures.
	ErrMalformedResponse = errors.New("selink: malformed response")
)

// BackendError carries the HTTP status of a failed backend call and, when the
// backend supplied one, its structured error payload.
type BackendError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("selink: backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("selink: backend returned %d: %s", e.StatusCode, e.Message)
}

func (e *BackendError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Key negotiation failure reasons.
const (
	NegotiationNetwork   = "network"
	NegotiationRejected  = "rejected"
	NegotiationMalformed = "malformed"
)

// KeyNegotiationError is a failed key agreement with the backend. Negotiation
// is never retried by this package; retry policy belongs to the caller.
type KeyNegotiationError struct {
	Reason string
	Err    error
}

func (e *KeyNegotiationError) Error() string {
	return fmt.Sprintf("selink: key negotiation failed (%s): %v", e.Reason, e.Err)
}

func (e *KeyNegotiationError) Unwrap() error {
	return e.Err
}
