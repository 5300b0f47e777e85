package jobstore

// ============================================================================
// Job Store Error Definitions
// Purpose: Sentinel errors shared by every JobStore implementation and DAO.
// Callers classify failures with errors.Is.
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks a missing or out-of-range argument.
	ErrInvalidArgument = errors.New("jobstore: invalid argument")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("jobstore: closed")

	// ErrConcurrentModification is returned by SaveJobDetails when the
	// record was deleted or saved by someone else since it was fetched.
	ErrConcurrentModification = errors.New("jobstore: job was concurrently modified")

	// ErrState covers naming conflicts and missing jobs.
	ErrState = errors.New("jobstore: invalid job state")

	ErrJobExists    = fmt.Errorf("%w: job already exists", ErrState)
	ErrJobNotFound  = fmt.Errorf("%w: job not found", ErrState)
	ErrJobNameInUse = fmt.Errorf("%w: job name already in use", ErrState)

	// ErrStorage marks a backend or connectivity failure.
	ErrStorage = errors.New("jobstore: storage failure")
)

// StorageError wraps a backend failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("jobstore: %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) hold for every StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// wrapStorage turns a DAO failure into a StorageError. Concurrency and
// state errors are part of the contract and pass through untouched, as do
// validation and closed errors raised below the store.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrState),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrStorage):
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
