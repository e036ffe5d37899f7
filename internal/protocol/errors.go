package protocol

import (
	"errors"
	"fmt"
)

// Code identifies an error class on the wire.
type Code string

// Error codes sent in error envelopes.
const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodeNotAMember         Code = "not_a_member"
	CodeForbidden          Code = "forbidden"
	CodeMalformedEnvelope  Code = "malformed_envelope"
	CodeSlowConsumer       Code = "slow_consumer"
	CodeTimeout            Code = "timeout"
	CodePersistenceFailure Code = "persistence_failure"
	CodeRateLimited        Code = "rate_limited"
	CodeInternal           Code = "internal"
)

// Error is a protocol-level failure that is reported to the offending
// connection only. Two errors match under errors.Is when their codes match.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrUnauthenticated    = &Error{Code: CodeUnauthenticated, Message: "authentication required"}
	ErrNotAMember         = &Error{Code: CodeNotAMember, Message: "not a member of this conversation"}
	ErrForbidden          = &Error{Code: CodeForbidden, Message: "access to this conversation is denied"}
	ErrMalformedEnvelope  = &Error{Code: CodeMalformedEnvelope, Message: "malformed envelope"}
	ErrSlowConsumer       = &Error{Code: CodeSlowConsumer, Message: "outbound queue overflow"}
	ErrTimeout            = &Error{Code: CodeTimeout, Message: "heartbeat missed"}
	ErrPersistenceFailure = &Error{Code: CodePersistenceFailure, Message: "message was delivered but not persisted"}
	ErrRateLimited        = &Error{Code: CodeRateLimited, Message: "rate limit exceeded; message discarded"}
	ErrInternal           = &Error{Code: CodeInternal, Message: "internal error"}
)

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, falling back to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ErrorEventFor converts err into the envelope sent back to the client.
// Errors that are not protocol errors are reported without their text so
// internal details never reach the wire.
func ErrorEventFor(err error, messageID string) ErrorEvent {
	var e *Error
	if !errors.As(err, &e) {
		e = ErrInternal
	}
	return ErrorEvent{Code: e.Code, Message: e.Message, MessageID: messageID}
}
