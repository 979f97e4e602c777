package errors

import (
	"errors"
	"fmt"
)

// Forwarding failure taxonomy
var (
	// ErrInvalidAddress indicates a malformed email address
	ErrInvalidAddress = errors.New("invalid address format")

	// ErrUnresolvableRecipient indicates a valid address with no directory match
	ErrUnresolvableRecipient = errors.New("unresolvable recipient")

	// ErrNoValidRecipients indicates every recipient of a message was unresolvable
	ErrNoValidRecipients = errors.New("no valid recipients")

	// ErrSigningFailed indicates DKIM signing failed; delivery continues unsigned
	ErrSigningFailed = errors.New("dkim signing failed")

	// ErrTransientDelivery indicates a retryable relay failure (network, 4xx)
	ErrTransientDelivery = errors.New("transient delivery failure")

	// ErrPermanentDelivery indicates a non-retryable relay failure (5xx)
	ErrPermanentDelivery = errors.New("permanent delivery failure")

	// ErrQueueClosed indicates the relay queue no longer accepts requests
	ErrQueueClosed = errors.New("relay queue closed")

	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateEntry indicates a unique constraint violation
	ErrDuplicateEntry = errors.New("duplicate entry")
)

// DeliveryError wraps a relay failure with its classification and, when
// the failure came from an SMTP reply, the reply code.
type DeliveryError struct {
	Err       error
	Code      int
	Permanent bool
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("delivery failed with code %d: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *DeliveryError) Unwrap() error {
	if e.Permanent {
		return ErrPermanentDelivery
	}
	return ErrTransientDelivery
}

// Cause returns the original transport error.
func (e *DeliveryError) Cause() error {
	return e.Err
}

// NewDeliveryError classifies a relay failure.
func NewDeliveryError(err error, code int, permanent bool) *DeliveryError {
	return &DeliveryError{Err: err, Code: code, Permanent: permanent}
}

// IsPermanent reports whether err is classified as a permanent delivery failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentDelivery)
}
