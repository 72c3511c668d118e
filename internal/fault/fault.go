// Package fault carries the typed error kinds shared by the transcript
// pipeline and its collaborators.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	ToolMissing       Code = "tool_missing"
	AudioMissing      Code = "audio_missing"
	Timeout           Code = "timeout"
	ProcessingFailed  Code = "processing_failed"
	RecognitionFailed Code = "recognition_failed"
	RemoteCallFailed  Code = "remote_call_failed"
	NotFound          Code = "not_found"
	InvalidInput      Code = "invalid_input"
)

// Error is a failure tagged with a Code. Detail holds diagnostic output such
// as a tool's stderr and is never shown to end users verbatim.
type Error struct {
	Code    Code
	Op      string
	Message string
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, fault.New(fault.Timeout, "", "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

func Wrap(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Cause: cause}
}

// WithDetail returns a copy of e carrying detail.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// CodeOf reports the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Has reports whether err carries code.
func Has(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// DetailOf returns the diagnostic detail attached to err, if any.
func DetailOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Detail
	}
	return ""
}
