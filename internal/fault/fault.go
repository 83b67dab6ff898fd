// Package fault defines the engine-wide error taxonomy. Policy refusals and
// quota rejections are typed values so callers can surface a specific reason
// to the operator instead of a generic failure.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation signals a malformed phone number or line reference.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound signals an unknown contact, operator, or line.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited signals an exhausted per-line send quota.
	ErrRateLimited = errors.New("rate limited")

	// ErrChannelUnavailable signals an open circuit breaker: the line's
	// provider channel is degraded and calls are refused without a network
	// attempt.
	ErrChannelUnavailable = errors.New("channel unavailable")
)

// PolicyBlocked is a contact-frequency refusal (CPC, resend window,
// repescagem, blocklist). It is a decision, not a malfunction.
type PolicyBlocked struct {
	Rule   string
	Reason string
}

func (e *PolicyBlocked) Error() string {
	return fmt.Sprintf("policy %s: %s", e.Rule, e.Reason)
}

// IsPolicyBlocked reports whether err is a policy refusal.
func IsPolicyBlocked(err error) bool {
	var pb *PolicyBlocked
	return errors.As(err, &pb)
}

// DeliveryError wraps a failure from the external channel. Permanent
// failures (invalid recipient, rejected payload) must not be retried;
// transient failures count against the pending queue's attempt budget.
type DeliveryError struct {
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s delivery failure: %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error {
	return &DeliveryError{Err: err}
}

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(err error) error {
	return &DeliveryError{Permanent: true, Err: err}
}

// IsPermanentDelivery reports whether err is a non-retryable delivery failure.
func IsPermanentDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// IsTransientDelivery reports whether err is a retryable delivery failure.
func IsTransientDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && !de.Permanent
}
