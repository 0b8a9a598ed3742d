package models

import (
	"errors"
	"fmt"
	"time"
)

// Reserved exit codes layered on top of the program's own exit status.
const (
	ExitOK             = 0
	ExitCompileFailure = 1
	ExitTimeout        = 124
	ExitPolicyBlocked  = 126
)

// InternalErrorMessage is the only detail a caller ever sees about an
// infrastructure fault.
const InternalErrorMessage = "Internal execution failure."

// SubmittedFile is one source file as sent by the client. Name is untrusted.
type SubmittedFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ExecuteRequest is the body of a batch execution.
type ExecuteRequest struct {
	Files []SubmittedFile `json:"files"`
	Stdin *string         `json:"stdin,omitempty"`
	Args  []string        `json:"args,omitempty"`
}

// Submission is an ExecuteRequest addressed by id, as received over NATS.
type Submission struct {
	ID string `json:"id"`
	ExecuteRequest
}

// SubmissionResult is published once a Submission has been handled. Rejected
// holds the validation error of a submission that was never executed.
type SubmissionResult struct {
	SubmissionID string           `json:"id"`
	Result       *ExecutionResult `json:"result,omitempty"`
	Rejected     string           `json:"rejected,omitempty"`
}

// ExecutionResult is the outcome of one batch job. Success reports whether the
// sandbox worked, not whether the user's program did.
type ExecutionResult struct {
	Success   bool   `json:"success"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exitCode"`
	Signal    string `json:"signal,omitempty"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// Outcome classifies a result for logs and metrics.
func (r ExecutionResult) Outcome() string {
	switch {
	case !r.Success:
		return "infrastructure_fault"
	case r.ExitCode == ExitPolicyBlocked:
		return "policy_violation"
	case r.ExitCode == ExitTimeout:
		return "timeout"
	case r.ExitCode == ExitOK:
		return "ok"
	default:
		return "nonzero_exit"
	}
}

// Timestamp formats t the way results carry it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FailedResult is the opaque answer to an infrastructure fault.
func FailedResult(now time.Time) ExecutionResult {
	return ExecutionResult{
		Success:   false,
		ExitCode:  -1,
		Timestamp: Timestamp(now),
		Error:     InternalErrorMessage,
	}
}

var (
	ErrNoFiles        = errors.New("at least one file is required")
	ErrTooManyFiles   = errors.New("too many files")
	ErrSourceTooLarge = errors.New("submission too large")
	ErrTooManyArgs    = errors.New("too many program arguments")
)

// MaxArgs bounds the argv handed to the user's program.
const MaxArgs = 32

// Limits bounds what a request may carry.
type Limits struct {
	MaxFiles       int
	MaxSourceBytes int
}

// Validate checks the shape of a request before it reaches the executor.
func (r *ExecuteRequest) Validate(l Limits) error {
	if len(r.Files) == 0 {
		return ErrNoFiles
	}
	if l.MaxFiles > 0 && len(r.Files) > l.MaxFiles {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(r.Files), l.MaxFiles)
	}
	total := 0
	for _, f := range r.Files {
		total += len(f.Content)
	}
	if r.Stdin != nil {
		total += len(*r.Stdin)
	}
	if l.MaxSourceBytes > 0 && total > l.MaxSourceBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrSourceTooLarge, total, l.MaxSourceBytes)
	}
	if len(r.Args) > MaxArgs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(r.Args), MaxArgs)
	}
	return nil
}
