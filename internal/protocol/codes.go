package protocol

import (
	"context"
	"errors"
	"io/fs"
)

// Code is a machine-readable error class sent alongside error messages.
type Code string

const (
	CodeBadRequest       Code = "bad_request"
	CodeUnknownType      Code = "unknown_type"
	CodeNotConnected     Code = "not_connected"
	CodeConnectFailed    Code = "connect_failed"
	CodeNotFound         Code = "not_found"
	CodeAlreadyExists    Code = "already_exists"
	CodePermissionDenied Code = "permission_denied"
	CodeNotEmpty         Code = "not_empty"
	CodeTooLarge         Code = "too_large"
	CodeTimeout          Code = "timeout"
	CodeBusy             Code = "busy"
	CodeStreamError      Code = "stream_error"
	CodeOperationFailed  Code = "operation_failed"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrTooLarge     = errors.New("file too large")
	ErrBusy         = errors.New("too many pending requests")
)

// CodedError pins an explicit code on an error.
type CodedError struct {
	Code Code
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// WithCode wraps err so that Classify reports code.
func WithCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// Classify maps an error to its client-facing code.
func Classify(err error) Code {
	var coded *CodedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &coded):
		return coded.Code
	case errors.Is(err, ErrMalformed):
		return CodeBadRequest
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, fs.ErrExist):
		return CodeAlreadyExists
	case errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, ErrNotEmpty):
		return CodeNotEmpty
	case errors.Is(err, ErrTooLarge):
		return CodeTooLarge
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeOperationFailed
	}
}

// ErrorFrame renders err as an outbound error frame.
func ErrorFrame(err error) Outbound {
	return Error(Classify(err), err.Error())
}
