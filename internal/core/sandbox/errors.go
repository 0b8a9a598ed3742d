package sandbox

import "fmt"

type ErrorType string

const (
	ErrCmdStart       ErrorType = "COMMAND_START_ERROR"
	ErrCmdWait        ErrorType = "COMMAND_WAIT_ERROR"
	ErrCancelled      ErrorType = "CANCELLED"
	ErrWrapperMissing ErrorType = "WRAPPER_MISSING"
	ErrInternal       ErrorType = "INTERNAL_SANDBOX_ERROR"
)

// Error is an infrastructure fault: the sandbox, not the user's program,
// failed.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (se *Error) Error() string {
	if se.Cause != nil {
		return fmt.Sprintf("%s: %s (type: %s)", se.Message, se.Cause.Error(), se.Type)
	}
	return fmt.Sprintf("%s (type: %s)", se.Message, se.Type)
}

func (se *Error) Unwrap() error {
	return se.Cause
}
