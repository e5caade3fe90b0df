package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for illegal entity mutations. Both indicate programmer
// errors rather than runtime conditions: callers are expected to check the
// job state before attempting a transition.
var (
	// ErrInvalidTransition is returned when a status move is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrTerminalState is returned when any mutation is attempted on a job
	// that is already COMPLETED or FAILED.
	ErrTerminalState = errors.New("job is in a terminal state")
)

// ValidationError describes a rejected input value.
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
