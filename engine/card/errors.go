package card

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrEmptyQuery      = errors.New("query is required")
	ErrMissingFile     = errors.New("no file provided")
	ErrUnsupportedType = errors.New("unsupported type")
	ErrMissingPlayer   = errors.New("player name is required")
	ErrInvalidLimit    = errors.New("invalid limit")
	ErrInvalidWeight   = errors.New("invalid weight")
	ErrUnknownFilter   = errors.New("unknown filter field")
	ErrInvalidMetadata = errors.New("invalid stored metadata")
)

// ValidationError wraps a sentinel with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("validation: %s: %s", e.Wrapped, e.Field)
	}
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
