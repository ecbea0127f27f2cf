package vault

import (
	"errors"
	"fmt"
)

// ErrIntegrity is matched by every *IntegrityError.
var ErrIntegrity = errors.New("vault: integrity check failed")

// IntegrityError reports a record that failed authentication or decoding.
// Reason is meant for operator logs; Error never includes it.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return ErrIntegrity.Error()
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

func integrityf(format string, args ...any) *IntegrityError {
	return &IntegrityError{Reason: fmt.Sprintf(format, args...)}
}
