package evictor

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/skipor/evictor/internal/util"
	"github.com/skipor/evictor/store"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrStale         = errors.New("object removed by current transaction")
	ErrDeactivated   = errors.New("evictor deactivated")
	ErrAlreadyExists = errors.New("object already exists")
	ErrFinishedTwice = errors.New("call finished twice")
	ErrNotKept       = errors.New("object is not kept")
	ErrTxNotActive   = errors.New("transaction is not active")
)

// NotFoundError is returned, when object is in neither cache nor store.
// It matches ErrNotFound, even if caused by ErrStale.
type NotFoundError struct {
	ID  Identity
	Err error
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s: %v", e.ID, e.Err) }
func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StorageError is not retryable persistent store failure.
type StorageError struct {
	Op  string
	ID  Identity
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: storage error: %v", e.Op, e.ID, e.Err)
}
func (e *StorageError) Unwrap() error { return e.Err }

// DeadlockError means that transaction was rolled back because of lock
// conflict. Whole call should be dispatched again.
type DeadlockError struct {
	TxID string
	Err  error
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("transaction %s rolled back: %v", e.TxID, e.Err)
}
func (e *DeadlockError) Unwrap() error   { return e.Err }
func (e *DeadlockError) Retryable() bool { return true }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsDeadlock(err error) bool {
	var d *DeadlockError
	return errors.As(err, &d)
}

// IsRetryable reports whether err chain has error that declares itself retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// storageError classifies error returned by persistent store.
func storageError(op string, id Identity, txID string, err error) error {
	switch {
	case err == nil:
		return nil
	case util.Is(err, store.ErrNotFound):
		return &NotFoundError{ID: id, Err: ErrNotFound}
	case util.Is(err, store.ErrDeadlock):
		return &DeadlockError{TxID: txID, Err: err}
	}
	return &StorageError{Op: op, ID: id, Err: err}
}
