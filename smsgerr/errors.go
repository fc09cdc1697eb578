// Package smsgerr defines the error taxonomy shared across the smsg
// packages. Errors are distinguished by kind, not by concrete type, so
// callers use errors.Is against the sentinel Kind values below.
package smsgerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure from the error taxonomy.
type Kind string

const (
	KindValidation              Kind = "validation"
	KindTransportNotConfigured  Kind = "transport_not_configured"
	KindSerializerNotConfigured Kind = "serializer_not_configured"
	KindPublish                 Kind = "publish"
	KindSubscribe               Kind = "subscribe"
	KindHandler                 Kind = "handler"
	KindCircuitOpen             Kind = "circuit_open"
	KindDLQCorruption           Kind = "dlq_corruption"
	KindConnection              Kind = "connection"
)

// sentinels usable with errors.Is for a bare kind check.
var (
	ErrValidation              = &Error{Kind: KindValidation, Msg: "validation failed"}
	ErrTransportNotConfigured  = &Error{Kind: KindTransportNotConfigured, Msg: "transport not configured"}
	ErrSerializerNotConfigured = &Error{Kind: KindSerializerNotConfigured, Msg: "serializer not configured"}
	ErrPublish                 = &Error{Kind: KindPublish, Msg: "publish failed"}
	ErrSubscribe               = &Error{Kind: KindSubscribe, Msg: "subscribe failed"}
	ErrHandler                 = &Error{Kind: KindHandler, Msg: "handler failed"}
	ErrCircuitOpen             = &Error{Kind: KindCircuitOpen, Msg: "circuit open"}
	ErrDLQCorruption           = &Error{Kind: KindDLQCorruption, Msg: "dlq record corrupted"}
	ErrConnection              = &Error{Kind: KindConnection, Msg: "connection unavailable"}
)

// Error is the concrete error type carrying a Kind, a message, and an
// optional wrapped cause plus sub-causes (used by PublishError and
// ValidationError, which aggregate multiple failures).
type Error struct {
	Kind   Kind
	Msg    string
	Cause  error
	Causes []error
}

func (e *Error) Error() string {
	if len(e.Causes) > 0 {
		return fmt.Sprintf("%s: %s (%d causes)", e.Kind, e.Msg, len(e.Causes))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports equality by Kind only, so errors.Is(err, ErrValidation)
// matches any *Error with KindValidation regardless of message/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Aggregate builds an *Error carrying every member of causes, used for
// PublishError (all transports failed) and ValidationError (in
// all-fields report mode).
func Aggregate(kind Kind, msg string, causes []error) *Error {
	return &Error{Kind: kind, Msg: msg, Causes: causes}
}

// As is a thin re-export so callers need only import smsgerr.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is a thin re-export so callers need only import smsgerr.
func Is(err, target error) bool { return errors.Is(err, target) }
