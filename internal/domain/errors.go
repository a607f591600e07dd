// Package domain contains the core value types and error taxonomy shared by
// every ingestion component: chunk records, file descriptors, chunking
// results, scan results, and the sentinel errors spec.md §7 defines.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors from spec.md §7. Callers compare with errors.Is.
var (
	// ErrInvalidConfig is returned at construction time for bad ordering
	// (e.g. chunk size bounds) or other structurally invalid configuration.
	ErrInvalidConfig = errors.New("ingestfs: invalid configuration")

	// ErrInvalidArgument is returned at call time for a bad argument, such
	// as a non-positive buffer size or a nil path.
	ErrInvalidArgument = errors.New("ingestfs: invalid argument")

	// ErrClosed is returned when a pool or chunker is used after shutdown.
	// Fatal for the call that receives it.
	ErrClosed = errors.New("ingestfs: closed")

	// ErrCancelled is returned when cooperative cancellation interrupts an
	// in-flight operation. Callers should treat this as a non-error signal.
	ErrCancelled = errors.New("ingestfs: cancelled")

	// ErrOverloaded is returned when backpressure rejects a submission.
	// Callers should retry after a delay.
	ErrOverloaded = errors.New("ingestfs: overloaded, retry later")

	// ErrAllocationFailed is returned when the buffer pool cannot satisfy
	// an acquisition even after reclaiming idle buffers.
	ErrAllocationFailed = errors.New("ingestfs: buffer allocation failed")
)

// IOError wraps a read or walk failure with path context.
type IOError struct {
	Path  string
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("ingestfs: io error at %q: %v", e.Path, e.Cause)
}

func (e *IOError) Unwrap() error { return e.Cause }

// NewIOError wraps cause with path context. Returns nil if cause is nil.
func NewIOError(path string, cause error) error {
	if cause == nil {
		return nil
	}
	return &IOError{Path: path, Cause: cause}
}

// PermissionDeniedError is recorded as a scan error; it never aborts a walk.
type PermissionDeniedError struct {
	Path string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("ingestfs: permission denied: %q", e.Path)
}

// NotFoundError is a scan error during enumeration, or an IOError cause
// during chunking (spec.md §7: "propagated as IoError for chunking").
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ingestfs: not found: %q", e.Path)
}

// InvalidFileError marks a path that is missing or not a regular file at
// the point the file chunker tried to open it.
type InvalidFileError struct {
	Path   string
	Reason string
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("ingestfs: invalid file %q: %s", e.Path, e.Reason)
}
