// Package apperr defines the error taxonomy shared by the sync client and server.
package apperr

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrTitleTaken     = errors.New("title already used by another active page")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrSyncInProgress = errors.New("sync already in progress")
)

// ValidationError wraps field-level validation failures of a request payload.
type ValidationError struct {
	Fields validation.Errors
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Fields.Error()
}

// NewValidationError converts an ozzo-validation result into a ValidationError.
// Internal validator failures are returned unchanged.
func NewValidationError(err error) error {
	if err == nil {
		return nil
	}
	var fields validation.Errors
	if errors.As(err, &fields) {
		return &ValidationError{Fields: fields}
	}
	var internal validation.InternalError
	if errors.As(err, &internal) {
		return err
	}
	return &ValidationError{Fields: validation.Errors{"body": err}}
}

// NetworkError is a failed round-trip to the sync server. StatusCode is zero
// when no response was received.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
