// Package resilience provides the per-destination circuit breakers, retry
// policies and throttles that wrap every destination send.
package resilience

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

// ErrCircuitOpen is returned when a breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Kind tags the terminal outcome of a guarded send.
type Kind int

const (
	// KindTransient is any other failure, including a cancelled context.
	KindTransient Kind = iota
	// KindCircuitOpen means the breaker rejected the call.
	KindCircuitOpen
	// KindRetryExhausted means every permitted attempt failed.
	KindRetryExhausted
	// KindNonRetryable means the error category is configured to never retry.
	KindNonRetryable
)

func (k Kind) String() string {
	switch k {
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindRetryExhausted:
		return "RetryExhausted"
	case KindNonRetryable:
		return "NonRetryable"
	default:
		return "Transient"
	}
}

// Dead letter reasons recorded for the breaker and retry outcomes.
const (
	ReasonCircuitBreakerOpen = "CircuitBreakerOpen"
	ReasonRetryExhausted     = "RetryExhausted"
)

// DeliveryError is the terminal error of a guarded send.
type DeliveryError struct {
	Kind        Kind
	Destination string
	Attempts    int
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %s after %d attempt(s): %v", e.Destination, e.Kind, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
func (e *DeliveryError) Cause() error  { return e.Err }

// Reason returns the dead letter reason: CircuitBreakerOpen, RetryExhausted,
// or the category of the underlying error.
func (e *DeliveryError) Reason() string {
	switch e.Kind {
	case KindCircuitOpen:
		return ReasonCircuitBreakerOpen
	case KindRetryExhausted:
		return ReasonRetryExhausted
	}
	return types.ErrorCategory(e.Err)
}

// KindOf returns the Kind of err. Errors that are not DeliveryErrors are
// classified as transient, except a wrapped ErrCircuitOpen.
func KindOf(err error) Kind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	return KindTransient
}

// ReasonOf returns the dead letter reason for err.
func ReasonOf(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Reason()
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ReasonCircuitBreakerOpen
	}
	return types.ErrorCategory(err)
}
