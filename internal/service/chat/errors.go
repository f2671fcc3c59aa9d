package chat

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an operation against a nonexistent message.
var ErrNotFound = errors.New("message not found")

// ErrPermissionDenied reports a delete attempted by a non-owner.
var ErrPermissionDenied = errors.New("permission denied")

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
