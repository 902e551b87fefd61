package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated marks an action attempted without an identity.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrPersistence marks a failed read or write against the record store or realtime channel.
	ErrPersistence = errors.New("persistence failure")
	// ErrValidation marks input rejected before any network or storage effect.
	ErrValidation = errors.New("validation failed")
)

// Error is a classified failure raised at an operation boundary.
type Error struct {
	Op     string
	Reason string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code()
	}
	return fmt.Sprintf("%s: %v", e.Code(), e.Err)
}

// Code returns the "operation.reason" identifier used in logs and API payloads.
func (e *Error) Code() string {
	return fmt.Sprintf("%s.%s", e.Op, e.Reason)
}

// Unwrap exposes both the kind and the cause so errors.Is matches either.
func (e *Error) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.Kind != nil {
		unwrapped = append(unwrapped, e.Kind)
	}
	if e.Err != nil {
		unwrapped = append(unwrapped, e.Err)
	}
	return unwrapped
}

// NotAuthenticated builds an ErrNotAuthenticated failure for the operation.
func NotAuthenticated(op string) error {
	return &Error{Op: op, Reason: "not_authenticated", Kind: ErrNotAuthenticated}
}

// Persistence builds an ErrPersistence failure wrapping cause.
func Persistence(op, reason string, cause error) error {
	return &Error{Op: op, Reason: reason, Kind: ErrPersistence, Err: cause}
}

// Validation builds an ErrValidation failure wrapping cause.
func Validation(op, reason string, cause error) error {
	return &Error{Op: op, Reason: reason, Kind: ErrValidation, Err: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or an empty string.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code()
	}
	return ""
}
