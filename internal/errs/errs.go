// Package errs contains the error kinds shared by the CBS negotiator, the
// messaging session and the application services.
package errs

import (
	"errors"
	"fmt"

	"github.com/benmeehan/iothub-amqp/pkg/sas"
)

var (
	// ErrInvalidKeyFormat indicates the signing key is not valid base64.
	ErrInvalidKeyFormat = sas.ErrInvalidKeyFormat

	// ErrCBSNoResponse indicates the put-token exchange produced no response
	// or one without the expected properties.
	ErrCBSNoResponse = errors.New("cbs: no response")

	// ErrTransport marks connection, session and link failures.
	ErrTransport = errors.New("transport failure")

	// ErrReceiveTimeout indicates no message arrived before the receive deadline.
	ErrReceiveTimeout = errors.New("receive timeout")

	// ErrNotAuthorized indicates a link or message targets an entity outside
	// every live CBS grant.
	ErrNotAuthorized = errors.New("entity not authorized")

	// ErrNotPending indicates a settlement for a message that is not awaiting one.
	ErrNotPending = errors.New("message is not pending settlement")

	// ErrLinkClosed indicates use of a sender or receiver after Close.
	ErrLinkClosed = errors.New("link is closed")
)

// CBSRejectedError is returned when the broker answers put-token with a
// status other than 200 or 202.
type CBSRejectedError struct {
	StatusCode  int32
	Description string
}

func (e *CBSRejectedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("cbs: token rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("cbs: token rejected with status %d: %s", e.StatusCode, e.Description)
}

// TransportError wraps a failure of the underlying AMQP transport.
type TransportError struct {
	Op  string
	Err error
}

// NewTransportError wraps err as a TransportError for operation op.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports ErrTransport as a match so callers need not know the concrete type.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// StatusCode returns the broker status code carried by err, if any.
func StatusCode(err error) (int32, bool) {
	var rejected *CBSRejectedError
	if errors.As(err, &rejected) {
		return rejected.StatusCode, true
	}
	return 0, false
}

// IsAuthorizationFailure reports whether err means an audience was not
// authorized: an explicit rejection, a missing response, or a transport
// failure during negotiation.
func IsAuthorizationFailure(err error) bool {
	var rejected *CBSRejectedError
	return errors.As(err, &rejected) ||
		errors.Is(err, ErrCBSNoResponse) ||
		errors.Is(err, ErrTransport)
}
