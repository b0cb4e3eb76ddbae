package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document is not found
	ErrNotFound = errors.New("document not found")
	// ErrClosed is returned when an operation is attempted after Close began
	ErrClosed = errors.New("storage instance closed")
	// ErrRemoved is returned when an operation is attempted on a removed instance
	ErrRemoved = errors.New("storage instance removed")
	// ErrMalformedRevision indicates a corrupted revision string on a stored record
	ErrMalformedRevision = errors.New("malformed revision")
	// ErrAttachmentsNotSupported is returned by engines without an attachment store
	ErrAttachmentsNotSupported = errors.New("attachments not supported by this storage engine")
	// ErrInvalidQuery is returned when a query is malformed
	ErrInvalidQuery = errors.New("invalid query")
	// ErrCanceled is returned when the operation is canceled by the caller
	ErrCanceled = errors.New("operation canceled")
	// ErrReplicationCanceled is returned when a replication is used after Cancel
	ErrReplicationCanceled = errors.New("replication canceled")
	// ErrLiveReplication is returned by AwaitInitialReplication on a live
	// replication, where initial completion is undefined
	ErrLiveReplication = errors.New("initial replication undefined for live replication")
)

// Write error status codes, mirrored from the HTTP status space so per-row
// errors survive serialization across a remote adapter.
const (
	StatusConflict      = 409
	StatusUnprocessable = 422
)

// WriteError is a per-row error of a bulk write. Conflicts are collected and
// returned in the batch response, never thrown for the whole batch.
type WriteError struct {
	Status     int    `json:"status"`
	DocumentID string `json:"documentId"`
	Message    string `json:"message"`

	// DocumentInDB carries the currently stored state on 409 conflicts so
	// the caller can refetch-and-retry or merge.
	DocumentInDB *DocumentData `json:"documentInDb,omitempty"`
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write error %d on %q: %s", e.Status, e.DocumentID, e.Message)
}

// IsConflict reports whether the write error is a 409 revision conflict.
func (e *WriteError) IsConflict() bool {
	return e.Status == StatusConflict
}

// StorageError is a fatal engine-level failure (I/O, corruption). It aborts
// the whole in-flight batch and the instance should be considered
// possibly-inconsistent.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps an engine failure.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// WrapError converts context cancellation into ErrCanceled and passes other
// errors through.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or
// deadline exceeded. It checks both direct context errors and wrapped errors
// (e.g., from the MongoDB driver).
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}
