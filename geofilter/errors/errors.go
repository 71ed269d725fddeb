package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorKind string

const (
	ErrIO          ErrorKind = "io"
	ErrConnection  ErrorKind = "connection"
	ErrUnsupported ErrorKind = "unsupported"
	ErrExpression  ErrorKind = "expression"
	ErrExecution   ErrorKind = "execution"
	ErrCRS         ErrorKind = "crs"
	ErrNotFound    ErrorKind = "not_found"
	ErrCancelled   ErrorKind = "cancelled"
)

type Error struct {
	Kind    ErrorKind
	Message string
	Layer   string
	Backend string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	base := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Layer != "" {
		base = fmt.Sprintf("%s (layer=%s)", base, e.Layer)
	}
	if e.Backend != "" {
		base = fmt.Sprintf("%s (backend=%s)", base, e.Backend)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func Wrap(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func New(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func ConnectionError(msg string, cause error) *Error {
	return &Error{Kind: ErrConnection, Message: msg, Cause: cause}
}

func UnsupportedError(msg string) *Error {
	return &Error{Kind: ErrUnsupported, Message: msg}
}

func ExpressionError(msg string) *Error {
	return &Error{Kind: ErrExpression, Message: msg}
}

func ExecutionError(backend, msg string, cause error) *Error {
	return &Error{Kind: ErrExecution, Backend: backend, Message: msg, Cause: cause}
}

func NotFoundError(what string) *Error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("not found: %s", what)}
}

func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
