package core

import (
	"errors"
	"fmt"

	"pkt.systems/codeyard/schema"
)

// ErrorKind classifies workspace failures for callers and the HTTP layer.
type ErrorKind string

const (
	// ErrorValidation indicates a request rejected at the call boundary.
	ErrorValidation ErrorKind = "validation"
	// ErrorSessionUnavailable indicates the session is not connected or the transport failed.
	ErrorSessionUnavailable ErrorKind = "session_unavailable"
	// ErrorSyncRequired indicates a run before a successful sync.
	ErrorSyncRequired ErrorKind = "sync_required"
	// ErrorEscapeFailure indicates content that cannot be framed for the remote shell.
	ErrorEscapeFailure ErrorKind = "escape_failure"
	// ErrorExecutionTimeout indicates a bounded wait expired.
	ErrorExecutionTimeout ErrorKind = "execution_timeout"
	// ErrorRemote indicates a non-zero remote exit code.
	ErrorRemote ErrorKind = "remote_error"
	// ErrorPersistence indicates a store failure.
	ErrorPersistence ErrorKind = "persistence_error"
	// ErrorBusy indicates the session is leased by another operation.
	ErrorBusy ErrorKind = "busy"
)

var kindSentinels = map[ErrorKind]error{
	ErrorValidation:         schema.ErrValidation,
	ErrorSessionUnavailable: schema.ErrSessionUnavailable,
	ErrorSyncRequired:       schema.ErrSyncRequired,
	ErrorEscapeFailure:      schema.ErrEscapeFailure,
	ErrorExecutionTimeout:   schema.ErrExecutionTimeout,
	ErrorRemote:             schema.ErrRemoteError,
	ErrorPersistence:        schema.ErrPersistence,
	ErrorBusy:               schema.ErrBusy,
}

// Error wraps workspace failures with a stable classification.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// NewError constructs a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func newErrorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return "workspace error"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		if sentinel := kindSentinels[e.Kind]; sentinel != nil {
			msg = sentinel.Error()
		} else {
			msg = string(e.Kind)
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the schema sentinel for the error kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the classification of err, or "" when err is not a workspace error.
func KindOf(err error) ErrorKind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return ""
}
