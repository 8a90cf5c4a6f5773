package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Standardized gateway errors
var (
	// Transport
	ErrConnection   = errors.New("connection error")
	ErrStreamClosed = errors.New("stream closed")

	// Payloads
	ErrProtocol    = errors.New("protocol error")
	ErrCrossedBook = fmt.Errorf("%w: crossed book", ErrProtocol)

	// Requests
	ErrTimeout               = errors.New("request timed out")
	ErrRequestNotSent        = errors.New("request not sent")
	ErrOutcomeUnknown        = errors.New("outcome unknown")
	ErrOrderRejected         = errors.New("order rejected")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrOrderNotFound         = errors.New("order not found")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrSystemOverload        = errors.New("system overload")

	// Local state
	ErrUnknownOrder = errors.New("unknown order")

	// Reconciliation findings
	ErrOrphanSuspect          = errors.New("orphan suspect")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
)

// ProtocolError describes a payload that could not be classified or violated an invariant
type ProtocolError struct {
	Reason  string
	Payload []byte
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

// Unwrap allows errors.Is(err, ErrProtocol) and errors.Is against the cause
func (e *ProtocolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocol, e.Err}
	}
	return []error{ErrProtocol}
}

// NewProtocolError builds a ProtocolError with an optional cause
func NewProtocolError(reason string, payload []byte, cause error) *ProtocolError {
	return &ProtocolError{Reason: reason, Payload: payload, Err: cause}
}

// RejectionError is an explicit refusal from the exchange. Reason is suitable for display.
// Err optionally carries the classified cause (e.g. ErrInsufficientFunds).
type RejectionError struct {
	Code   int
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected: %s (code %d)", e.Reason, e.Code)
}

func (e *RejectionError) Unwrap() []error {
	if e.Err != nil && e.Err != ErrOrderRejected {
		return []error{ErrOrderRejected, e.Err}
	}
	return []error{ErrOrderRejected}
}

// IsTimeout reports whether err is a request timeout rather than an explicit failure
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// RejectReason extracts the display reason of a rejection, if err is one
func RejectReason(err error) (string, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
