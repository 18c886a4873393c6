package claude

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrTimeout is matched by *TimeoutError.
	ErrTimeout = errors.New("claude: invocation timed out")

	// ErrInvocation is matched by *InvocationError.
	ErrInvocation = errors.New("claude: invocation failed")
)

// TimeoutError reports that the CLI exceeded its time budget.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("claude: timed out after %s", e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// InvocationError reports output that could not be turned into a Result.
// Stdout, Stderr and ExitCode are kept for operator diagnostics and must not
// be shown to chat users.
type InvocationError struct {
	// Reason is a short human-readable cause.
	Reason string

	Stdout   string
	Stderr   string
	ExitCode int

	// Err is the underlying parse or start error, if any.
	Err error
}

func (e *InvocationError) Error() string {
	return "failed to parse Claude response: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *InvocationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInvocation) true.
func (e *InvocationError) Is(target error) bool { return target == ErrInvocation }
