package zkaccel

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the Engine matches exactly one of them
// with errors.Is, and also matches the lower-level cause.
var (
	ErrConfiguration     = errors.New("invalid configuration")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrDeviceFailure     = errors.New("device failure")
	ErrIOFailure         = errors.New("device lock io failure")
)

var ErrClosed = errors.New("engine closed")

// Error is an operation failure classified by Kind.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("zkaccel %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("zkaccel %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func opError(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}
