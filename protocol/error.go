package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedTag    = errors.New("protocol: unexpected frame")
	ErrDuplicateCommand = errors.New("protocol: command sent twice")
	ErrMissingCommand   = errors.New("protocol: connection closed before command")
)

// Error is a protocol violation observed in a given conversation state.
type Error struct {
	State string
	Tag   Tag
	Err   error
}

func (e *Error) Error() string {
	if e.Tag != 0 {
		return fmt.Sprintf("%v (%s frame while %s)", e.Err, e.Tag, e.State)
	}
	return fmt.Sprintf("%v (while %s)", e.Err, e.State)
}

func (e *Error) Unwrap() error { return e.Err }
