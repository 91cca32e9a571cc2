package pdsjob

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for job operations.
var (
	// ErrNotFound indicates the job does not exist (often a benign race).
	ErrNotFound = errors.New("job not found")

	// ErrInvalidState indicates an illegal transition was attempted.
	ErrInvalidState = errors.New("invalid job state")

	// ErrPersistence indicates the job store failed.
	ErrPersistence = errors.New("job persistence failed")
)

// NotFoundError identifies the missing job.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s: %v", e.ID, ErrNotFound)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InvalidStateError is returned when an operation requires a state the job
// is not in.
type InvalidStateError struct {
	ID       uuid.UUID
	Op       string
	Current  State
	Expected []State
}

func (e *InvalidStateError) Error() string {
	if len(e.Expected) > 0 {
		return fmt.Sprintf("%s job %s: state is %s, expected one of %v", e.Op, e.ID, e.Current, e.Expected)
	}
	return fmt.Sprintf("%s job %s: not allowed in state %s", e.Op, e.ID, e.Current)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// PersistenceError wraps a store failure. It is surfaced to callers and is
// never retried by this package.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Is matches ErrPersistence as well as the wrapped cause.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidState returns true if the error indicates an illegal transition.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsPersistence returns true if the error originates from the job store.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
