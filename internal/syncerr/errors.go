// Package syncerr defines the error taxonomy shared by the credential store,
// the filesystem adapter and the sync orchestrator.
package syncerr

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"syscall"
)

// Common errors returned by cardsync operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, syncerr.ErrNotFound) {
//	    // no matching credential entry
//	}
var (
	// ErrValidation is returned when a username or password has an
	// unacceptable shape. It is never retried.
	ErrValidation = errors.New("validation failed")

	// ErrAlreadyExists is returned when creating a credential entry
	// that is already present.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned when updating or deleting an entry that
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLockTimeout is returned when the credential lock file could not
	// be acquired before the configured timeout.
	ErrLockTimeout = errors.New("timed out acquiring lock")
)

// Validation wraps ErrValidation with a reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// FileSystemError wraps an I/O failure with the operation and path involved.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

// NewFileSystemError returns nil when err is nil.
func NewFileSystemError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &FileSystemError{Op: op, Path: path, Err: err}
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error {
	return e.Err
}

// Code returns the underlying errno, or 0 when the cause is not a syscall error.
func (e *FileSystemError) Code() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}

// IsRetryable reports whether the failure may succeed on the next pass.
// Filesystem and lock failures are retried implicitly by the scheduler.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	var fsErr *FileSystemError
	if errors.As(err, &fsErr) {
		return !errors.Is(fsErr.Err, fs.ErrPermission)
	}
	return false
}

// IsFatal reports whether the error requires operator action.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fsErr *FileSystemError
	if errors.As(err, &fsErr) {
		return errors.Is(fsErr.Err, fs.ErrPermission)
	}
	return false
}

// HTTPStatus maps a taxonomy member to the status code an HTTP layer
// should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
