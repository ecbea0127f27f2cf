package inferpool

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrNoProviderAvailable   = errors.New("inferpool: no provider available")
	ErrQuotaExceeded         = errors.New("inferpool: quota exceeded")
	ErrProviderNotFound      = errors.New("inferpool: provider not found")
	ErrDuplicateProvider     = errors.New("inferpool: provider credential already registered")
	ErrProbeFailed           = errors.New("inferpool: capability probe failed")
	ErrCredentialUnavailable = errors.New("inferpool: provider credential unavailable")
	ErrProviderCall          = errors.New("inferpool: provider call failed")
	ErrPartialResponse       = errors.New("inferpool: provider failed after partial response")
	ErrNotOperator           = errors.New("inferpool: operator identity required")
	ErrDuplicateTransaction  = errors.New("inferpool: duplicate transaction")
	ErrInvalidRequest        = errors.New("inferpool: invalid request")
)

// FormatError is a caller-correctable input error. No state is mutated when
// it is returned.
type FormatError struct {
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("inferpool: invalid %s: %s", e.Field, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return ErrInvalidRequest
}

// QuotaExceededError carries a retry hint for a rejected admission.
type QuotaExceededError struct {
	Identity   string
	Class      IdentityClass
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("inferpool: quota exceeded for %s caller, retry after %s",
		e.Class, e.RetryAfter.Round(time.Second))
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// ProviderCallError wraps an external call failure with routing context.
type ProviderCallError struct {
	Err        error
	ProviderID string
	Attempts   int
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("inferpool: provider=%s attempts=%d: %v", e.ProviderID, e.Attempts, e.Err)
}

func (e *ProviderCallError) Unwrap() []error {
	return []error{ErrProviderCall, e.Err}
}

// IsRetryable returns true if the caller may retry the request later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoProviderAvailable) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrProviderCall)
}

// RetryAfter extracts the retry hint from a quota rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe.RetryAfter, true
	}
	return 0, false
}
