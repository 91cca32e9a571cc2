package remotepoll

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for poller outcomes.
var (
	// ErrCanceledByUser indicates the remote job was canceled on the remote side.
	ErrCanceledByUser = errors.New("remote job canceled by user")

	// ErrExecutionFailed indicates the remote tool reported a failure.
	ErrExecutionFailed = errors.New("remote job execution failed")

	// ErrUnhandledState indicates a state that is neither waiting nor known.
	ErrUnhandledState = errors.New("remote job state not handled")

	// ErrTimeout indicates the poll bound was exhausted.
	ErrTimeout = errors.New("remote job wait timed out")
)

// CanceledByUserError carries the remote state that signalled cancellation.
type CanceledByUserError struct {
	State string
}

func (e *CanceledByUserError) Error() string {
	return fmt.Sprintf("%v (remote state %q)", ErrCanceledByUser, e.State)
}

func (e *CanceledByUserError) Unwrap() error {
	return ErrCanceledByUser
}

// ExecutionFailedError points at where the remote tool keeps its logs.
type ExecutionFailedError struct {
	State   string
	LogHint string
}

func (e *ExecutionFailedError) Error() string {
	if e.LogHint != "" {
		return fmt.Sprintf("%v (remote state %q), see %s", ErrExecutionFailed, e.State, e.LogHint)
	}
	return fmt.Sprintf("%v (remote state %q), see remote log files", ErrExecutionFailed, e.State)
}

func (e *ExecutionFailedError) Unwrap() error {
	return ErrExecutionFailed
}

// UnhandledStateError names a state the adapter does not know.
type UnhandledStateError struct {
	State string
}

func (e *UnhandledStateError) Error() string {
	return fmt.Sprintf("%v: %q is not a waiting state and has no terminal handling", ErrUnhandledState, e.State)
}

func (e *UnhandledStateError) Unwrap() error {
	return ErrUnhandledState
}

// TimeoutError reports how far polling got before the bound was hit.
type TimeoutError struct {
	Attempts    int
	Elapsed     time.Duration
	LastState   string
	Timeout     time.Duration
	MaxAttempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v after %d attempts in %s (timeout %s, max attempts %d), last state %q",
		ErrTimeout, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Timeout, e.MaxAttempts, e.LastState)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// IsCanceledByUser reports whether err is a remote cancellation.
func IsCanceledByUser(err error) bool {
	return errors.Is(err, ErrCanceledByUser)
}

// IsExecutionFailed reports whether err is a remote failure.
func IsExecutionFailed(err error) bool {
	return errors.Is(err, ErrExecutionFailed)
}

// IsUnhandledState reports whether err names an unknown remote state.
func IsUnhandledState(err error) bool {
	return errors.Is(err, ErrUnhandledState)
}

// IsTimeout reports whether err is a poll timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
