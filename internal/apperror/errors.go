package apperror

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrVerification      = errors.New("webhook verification failed")
	// ErrDuplicateEvent marks a webhook delivery that was already processed.
	// It is an outcome, not a failure: callers answer 200.
	ErrDuplicateEvent = errors.New("event already processed")
)

// ValidationError carries field-level messages for rejected intake.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string]string{}}
}

func (e *ValidationError) Add(field, msg string) {
	e.Fields[field] = msg
}

func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
