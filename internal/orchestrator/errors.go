package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aircon-ledger/aircon-remote/internal/remote"
)

// MaxDisplayLength bounds raw remote messages shown to the user
const MaxDisplayLength = 100

// Code classifies a request failure for the user
type Code string

const (
	CodeUserCancelled     Code = "user-cancelled"
	CodeInsufficientFunds Code = "insufficient-funds"
	CodeRemoteRejected    Code = "remote-rejected"
	CodeNetworkUnstable   Code = "network-unstable"
	CodeTimeout           Code = "timeout"
	CodeUnknown           Code = "unknown"

	// local only, the remote is never contacted
	CodeInvalidState Code = "invalid-state"
	CodeBusy         Code = "busy"
	CodeInvalidInput Code = "invalid-input"
)

// RequestError is the user-facing failure of a request
type RequestError struct {
	Code    Code
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by code
func (e *RequestError) Is(target error) bool {
	t, ok := target.(*RequestError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Code == e.Code
}

// Silent reports whether the failure should not be surfaced to the user
func (e *RequestError) Silent() bool {
	return e.Code == CodeUserCancelled
}

// Local reports whether the failure was decided without contacting the remote
func (e *RequestError) Local() bool {
	switch e.Code {
	case CodeInvalidState, CodeBusy, CodeInvalidInput, CodeInsufficientFunds:
		return true
	}
	return false
}

// Sentinels for errors.Is
var (
	ErrUserCancelled     = &RequestError{Code: CodeUserCancelled}
	ErrInsufficientFunds = &RequestError{Code: CodeInsufficientFunds}
	ErrRemoteRejected    = &RequestError{Code: CodeRemoteRejected}
	ErrNetworkUnstable   = &RequestError{Code: CodeNetworkUnstable}
	ErrTimeout           = &RequestError{Code: CodeTimeout}
	ErrUnknown           = &RequestError{Code: CodeUnknown}
	ErrInvalidState      = &RequestError{Code: CodeInvalidState}
	ErrBusy              = &RequestError{Code: CodeBusy}
	ErrInvalidInput      = &RequestError{Code: CodeInvalidInput}
)

func newError(code Code, message string, err error) *RequestError {
	return &RequestError{Code: code, Message: message, Err: err}
}

func invalidState(format string, args ...interface{}) *RequestError {
	return newError(CodeInvalidState, fmt.Sprintf(format, args...), nil)
}

// Truncate shortens s to at most n runes, marking the cut with "..."
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}

// classify maps an adapter error onto the user-facing taxonomy
func classify(err error) *RequestError {
	var re *RequestError
	if errors.As(err, &re) {
		return re
	}

	switch remote.CodeOf(err) {
	case remote.CodeUserCancelled:
		return newError(CodeUserCancelled, "request cancelled", err)
	case remote.CodeInsufficientFunds:
		return newError(CodeInsufficientFunds, "insufficient balance", err)
	case remote.CodeRejected:
		return newError(CodeRemoteRejected,
			"the ledger rejected the request: the unit may already be in that state", err)
	case remote.CodeNetwork, remote.CodeUnavailable:
		return newError(CodeNetworkUnstable, "network unstable, state will refresh shortly", err)
	case remote.CodeTimedOut:
		return newError(CodeTimeout, "the ledger did not answer in time", err)
	}

	// unclassified payloads: look for the well known phrases first
	raw := err.Error()
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "user rejected"), strings.Contains(lower, "user denied"):
		return newError(CodeUserCancelled, "request cancelled", err)
	case strings.Contains(lower, "insufficient funds"):
		return newError(CodeInsufficientFunds, "insufficient balance", err)
	case strings.Contains(lower, "revert"):
		return newError(CodeRemoteRejected,
			"the ledger rejected the request: the unit may already be in that state", err)
	}
	return newError(CodeUnknown, Truncate(raw, MaxDisplayLength), err)
}
