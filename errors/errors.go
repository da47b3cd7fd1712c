// Package errors provides the structured error type shared by the sync server,
// its persistence backends and its transports.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeProtocolFailure   ErrorCode = "PROTOCOL_FAILURE"
	ErrCodeAuthFailure       ErrorCode = "AUTH_FAILURE"
)

// Kind classifies an error independently of the operation that produced it.
type Kind string

const (
	KindInvalid     Kind = "invalid"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindInternal    Kind = "internal"
	KindUnavailable Kind = "unavailable"
	KindProtocol    Kind = "protocol"
	KindForbidden   Kind = "forbidden"
)

// Operation represents the operation during which an error occurred
type Operation string

const (
	OpEnsure     Operation = "ensure"
	OpLoad       Operation = "load"
	OpSave       Operation = "save"
	OpDelete     Operation = "delete"
	OpShrink     Operation = "shrink"
	OpCanSync    Operation = "can_sync"
	OpPostUpdate Operation = "post_update"
	OpBroadcast  Operation = "broadcast"
	OpDecode     Operation = "decode"
	OpHandshake  Operation = "handshake"
	OpTransport  Operation = "transport"
	OpClose      Operation = "close"
)

// SyncError represents an error raised anywhere in the document sync pipeline.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "storage/sqlite", "transport/websocket")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Kind of failure
	Kind Kind

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a key/value pair and returns the receiver.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindInternal,
		Err:       cause,
		Retryable: true,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Kind:      KindUnavailable,
		Err:       cause,
		Retryable: true,
	}
}

// NewProtocolError creates a SyncError for a malformed or unexpected wire message.
func NewProtocolError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeProtocolFailure,
		Op:        op,
		Component: "protocol",
		Kind:      KindProtocol,
		Err:       cause,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the outermost SyncError in err's chain, or
// KindInternal when err carries none.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.Kind != "" {
		return syncErr.Kind
	}
	return KindInternal
}
