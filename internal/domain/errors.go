package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorValidation       ErrorCode = "VALIDATION_ERROR"
	ErrorTransport        ErrorCode = "TRANSPORT_ERROR"
	ErrorNotFound         ErrorCode = "NOT_FOUND"
	ErrorPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrorRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func Validation(reason string) *Error {
	return NewError(ErrorValidation, reason, nil)
}

func Transport(reason string, err error) *Error {
	return NewError(ErrorTransport, reason, err)
}

// CodeOf classifies err. Coded errors keep their code, the store sentinels map
// to NOT_FOUND and PERMISSION_DENIED, everything else is INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrorNotFound
	case errors.Is(err, ErrPermissionDenied):
		return ErrorPermissionDenied
	}
	return ErrorInternal
}

// StoreError tags a Thread Store failure with reason. NOT_FOUND and
// PERMISSION_DENIED survive; anything else is a transport failure.
func StoreError(reason string, err error) *Error {
	switch code := CodeOf(err); code {
	case ErrorNotFound, ErrorPermissionDenied:
		return NewError(code, reason, err)
	}
	return Transport(reason, err)
}
