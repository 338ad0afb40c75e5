package reminder

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports an id that does not exist in the addressed guild.
// It is an expected outcome for update/delete, not a defect.
var ErrNotFound = errors.New("reminder not found")

// ValidationError names the fields that failed a write-time check.
// It is surfaced to the caller immediately and never retried.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, ", ")
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvariantViolationError marks a defect: state that the write-time checks
// should have made impossible (cross-guild leakage, unknown assignee type).
// Callers log it loudly and abort; it is never a user-facing error.
type InvariantViolationError struct {
	Msg string
}

func (e *InvariantViolationError) Error() string {
	return "invariant violation: " + e.Msg
}

func invariantf(format string, args ...any) error {
	return &InvariantViolationError{Msg: fmt.Sprintf(format, args...)}
}
