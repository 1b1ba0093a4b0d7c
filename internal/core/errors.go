package core

import (
	"errors"
	"fmt"
)

// ErrorCode is sent to the client in error replies
type ErrorCode string

const (
	ValidationError          ErrorCode = "ValidationError"
	MissingField             ErrorCode = "MissingField"
	UnknownAction            ErrorCode = "UnknownAction"
	NotFound                 ErrorCode = "NotFound"
	NotAuthorized            ErrorCode = "NotAuthorized"
	NotInRoom                ErrorCode = "NotInRoom"
	NotOwner                 ErrorCode = "NotOwner"
	AlreadyExists            ErrorCode = "AlreadyExists"
	IncompatibleCapabilities ErrorCode = "IncompatibleCapabilities"
	UpstreamFailure          ErrorCode = "UpstreamFailure"
)

// Error is an error reported back to the session that caused it
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code, so errors.Is(err, &Error{Code: NotFound}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func ErrMissingField(field string) *Error {
	return &Error{Code: MissingField, Message: field + " is required"}
}

func ErrNotFound(kind, id string) *Error {
	return &Error{Code: NotFound, Message: fmt.Sprintf("%s not found: %s", kind, id)}
}

func ErrNotOwner(kind, id string) *Error {
	return &Error{Code: NotOwner, Message: fmt.Sprintf("%s %s is not owned by session", kind, id)}
}

// ErrUpstream wraps a media engine failure
func ErrUpstream(op string, err error) *Error {
	return &Error{Code: UpstreamFailure, Message: op + " failed", Err: err}
}

// CodeOf extracts the code of err, anything unknown is a validation error
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ValidationError
}
