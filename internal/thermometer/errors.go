package thermometer

import (
	"errors"
	"fmt"
)

// Condition is the specific named failure reported to callers of the
// registration and interval-write entry points.
type Condition string

const (
	NotConnected     Condition = "not_connected"
	NotAvailable     Condition = "not_available"
	InvalidArguments Condition = "invalid_arguments"
	AlreadyExists    Condition = "already_exists"
	DoesNotExist     Condition = "does_not_exist"
)

// RequestError reports a caller-visible failure with a distinct condition.
type RequestError struct {
	Condition Condition
	Msg       string
}

// Error implements the error interface
func (e *RequestError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Msg)
}

// Is allows errors.Is to compare RequestError values by Condition
func (e *RequestError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*RequestError)
	if !ok {
		return false
	}
	return e.Condition == t.Condition
}

// Predefined sentinel errors for caller-visible conditions
var (
	ErrNotConnected     = &RequestError{Condition: NotConnected}
	ErrNotAvailable     = &RequestError{Condition: NotAvailable}
	ErrInvalidArguments = &RequestError{Condition: InvalidArguments}
	ErrAlreadyExists    = &RequestError{Condition: AlreadyExists}
	ErrDoesNotExist     = &RequestError{Condition: DoesNotExist}
)

// ErrClosed is returned when an adapter is used after Close.
var ErrClosed = errors.New("adapter closed")

// IsCondition reports whether err is a RequestError with the given condition
func IsCondition(err error, c Condition) bool {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		return rerr.Condition == c
	}
	return false
}
