package nail

import (
	"errors"
	"fmt"
)

// Exit statuses reported by the server when a nail could not run to completion.
const (
	ExitException     = 899
	ExitLoadError     = 898
	ExitShapeError    = 897
	ExitNotFound      = 896
	ExitProtocolError = 895
)

// ExitError carries an explicit exit status out of a nail.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Exit returns an error that makes the invocation finish with the given status.
func Exit(code int) error {
	return &ExitError{Code: code}
}

// PanicError is returned by Entry.Invoke when the nail panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Status maps the result of an invocation to an exit status.
func Status(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitException
}

// Diagnostic returns the text that should be relayed to the client's stderr for err, or "" if none.
// Explicit exits carry no diagnostic.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return ""
	}
	return err.Error()
}
