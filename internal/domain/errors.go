package domain

import (
	"errors"
	"fmt"
)

// ErrorKind tags an Error with the condition it represents.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindMalformedMessage
	KindNoSuchJobExecution
	KindNoSuchJobInstance
	KindSecurity
	KindJobStartDenied
	KindApplicationNotFound
	KindExecutionNotMostRecent
	KindExecutionAlreadyComplete
	KindInvalidParameters
	KindDuplicateKey
	KindIllegalStatusTransition
	KindJobInstanceNotQueued
	KindJobStoppedBeforeStart
	KindDispatchCancelled
	KindPartitionNotFound
	KindPersistence
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                  "unknown",
	KindMalformedMessage:         "malformed_message",
	KindNoSuchJobExecution:       "no_such_job_execution",
	KindNoSuchJobInstance:        "no_such_job_instance",
	KindSecurity:                 "security",
	KindJobStartDenied:           "job_start_denied",
	KindApplicationNotFound:      "application_not_found",
	KindExecutionNotMostRecent:   "execution_not_most_recent",
	KindExecutionAlreadyComplete: "execution_already_complete",
	KindInvalidParameters:        "invalid_parameters",
	KindDuplicateKey:             "duplicate_key",
	KindIllegalStatusTransition:  "illegal_status_transition",
	KindJobInstanceNotQueued:     "job_instance_not_queued",
	KindJobStoppedBeforeStart:    "job_stopped_before_start",
	KindDispatchCancelled:        "dispatch_cancelled",
	KindPartitionNotFound:        "partition_not_found",
	KindPersistence:              "persistence",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a domain error tagged with a kind. Err, when set, is the cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind.
func Wrap(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Persistence wraps a storage-layer failure. Classification looks one layer
// inside it for the real cause.
func Persistence(err error, msg string) *Error {
	return &Error{Kind: KindPersistence, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// Sentinels for errors.Is comparisons.
var (
	ErrJobInstanceNotFound  = &Error{Kind: KindNoSuchJobInstance}
	ErrJobExecutionNotFound = &Error{Kind: KindNoSuchJobExecution}
	ErrJobInstanceNotQueued = &Error{Kind: KindJobInstanceNotQueued}
	ErrPartitionNotFound    = &Error{Kind: KindPartitionNotFound}
	ErrDispatchCancelled    = &Error{Kind: KindDispatchCancelled}
	ErrMalformedMessage     = &Error{Kind: KindMalformedMessage}
)
