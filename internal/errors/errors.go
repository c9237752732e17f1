// Package errors maps failures to HTTP API responses and recovers handler
// panics.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/kscalelabs/gaintune/internal/optimization"
)

// Stable error codes returned to API clients.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// Error is an error with the HTTP status and code it should be reported
// with.
type Error struct {
	// HTTP status code
	Status int
	// Machine-readable code, one of the Code constants
	Code string
	// A human-readable message that is safe to return to clients
	Message string
	// The underlying error, if any
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage replaces the client-facing message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// New creates an error with a status, code and message.
func New(status int, code, msg string) *Error {
	return &Error{Status: status, Code: code, Message: msg}
}

// Errorf creates an error with a formatted message.
func Errorf(status int, code, format string, args ...interface{}) *Error {
	return New(status, code, fmt.Sprintf(format, args...))
}

// Wrap attaches a status and code to err. The message defaults to err's
// text.
func Wrap(err error, status int, code string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Status: status, Code: code, Message: err.Error(), Err: err}
}

// BadRequest reports a malformed or invalid request.
func BadRequest(err error) *Error {
	return Wrap(err, http.StatusBadRequest, CodeInvalidRequest)
}

// NotFound reports a missing resource.
func NotFound(format string, args ...interface{}) *Error {
	return Errorf(http.StatusNotFound, CodeNotFound, format, args...)
}

// From converts any error to an *Error. Configuration errors map to 400,
// context errors to 503 and everything else to 500.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	switch {
	case stderrors.As(err, &e):
		return e
	case stderrors.Is(err, optimization.ErrInvalidConfig):
		return BadRequest(err)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, http.StatusServiceUnavailable, CodeUnavailable)
	default:
		return &Error{
			Status:  http.StatusInternalServerError,
			Code:    CodeInternal,
			Message: http.StatusText(http.StatusInternalServerError),
			Err:     err,
		}
	}
}

// Response is the JSON body written for errors.
type Response struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Write writes err as a JSON error response.
func Write(w http.ResponseWriter, err error) {
	e := From(err)
	var body Response
	body.Error.Code = e.Code
	body.Error.Message = e.Message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(body)
}
