package storage

import (
	"errors"
	"fmt"
	"syscall"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrRecordBusy is returned when a record cannot be changed because it is
// being delivered.
var ErrRecordBusy = errors.New("record is being delivered")

// ErrInvalidPayload is returned by Enqueue for a payload that is not a JSON
// object.
var ErrInvalidPayload = errors.New("payload must be a JSON object")

// ErrStorage matches every failure of local persistence.
var ErrStorage = errors.New("local storage failure")

// ErrResourceExhausted matches failures caused by a full disk.
var ErrResourceExhausted = errors.New("local storage exhausted")

// StorageError wraps a failed local persistence operation. Callers must treat
// it as a failed submission: the data was not durably queued.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	switch target {
	case ErrStorage:
		return true
	case ErrResourceExhausted:
		return isNoSpace(e.Err)
	}
	return false
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func isNoSpace(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return false
}
