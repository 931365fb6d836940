package remote

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

// Code classifies a failure reported by, or on the way to, the remote service
type Code string

const (
	CodeUserCancelled     Code = "USER_CANCELLED"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeRejected          Code = "REJECTED"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeNetwork           Code = "NETWORK"
	CodeTimedOut          Code = "TIMED_OUT"
	CodeUnknown           Code = "UNKNOWN"
)

// Error is a classified remote failure. Message carries the raw remote
// payload and may be long.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return strings.ToLower(string(e.Code))
	}
	return strings.ToLower(string(e.Code)) + ": " + e.Message
}

// Is matches sentinel errors by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrUserCancelled     = &Error{Code: CodeUserCancelled}
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds}
	ErrRejected          = &Error{Code: CodeRejected}
	ErrUnavailable       = &Error{Code: CodeUnavailable}
	ErrNetwork           = &Error{Code: CodeNetwork}
	ErrTimedOut          = &Error{Code: CodeTimedOut}
)

// NewError builds a classified error
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf returns the classification of err, CodeUnknown when unclassified
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeUnknown
}

// classifyTransport maps NATS and context failures onto the taxonomy
func classifyTransport(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return NewError(CodeTimedOut, err.Error())
	}
	// no responders, closed or reconnecting connections and anything else
	// on the transport path
	return NewError(CodeNetwork, err.Error())
}
