package schema

import "errors"

var (
	// ErrValidation indicates a rejected request, such as no active file or an empty command.
	ErrValidation = errors.New("validation failed")
	// ErrSessionUnavailable indicates the remote session is not connected.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrSyncRequired indicates a run was attempted before a successful sync.
	ErrSyncRequired = errors.New("sync required")
	// ErrEscapeFailure indicates content cannot be framed safely for the remote shell.
	ErrEscapeFailure = errors.New("content cannot be escaped")
	// ErrExecutionTimeout indicates a bounded wait expired.
	ErrExecutionTimeout = errors.New("execution timed out")
	// ErrRemoteError indicates the remote command exited non-zero.
	ErrRemoteError = errors.New("remote command failed")
	// ErrPersistence indicates a workspace store write failed.
	ErrPersistence = errors.New("persistence failed")
	// ErrBusy indicates the session is held by another operation.
	ErrBusy = errors.New("session busy")
	// ErrNodeNotFound indicates a store lookup found nothing.
	ErrNodeNotFound = errors.New("node not found")
	// ErrNodeExists indicates a sibling with the same name exists.
	ErrNodeExists = errors.New("node already exists")
	// ErrInvalidWorkspace indicates an invalid workspace identifier.
	ErrInvalidWorkspace = errors.New("invalid workspace")
	// ErrInvalidName indicates an invalid node name.
	ErrInvalidName = errors.New("invalid name")
)
