package registry

import (
	"errors"
	"fmt"

	"github.com/guseggert/nailgun/nail"
)

// Sentinels for errors.Is against a *ResolutionError.
var (
	ErrNotFound = errors.New("nail not found")
	ErrLoad     = errors.New("nail failed to load")
	ErrShape    = errors.New("nail has no usable entry point")
)

// Kind distinguishes why a name could not be resolved.
type Kind int

const (
	NotFound Kind = iota + 1
	LoadError
	ShapeError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case LoadError:
		return "load error"
	case ShapeError:
		return "shape error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ResolutionError is returned by Registry.Resolve.
type ResolutionError struct {
	Name string
	Kind Kind
	Err  error
}

func (e *ResolutionError) Error() string {
	switch e.Kind {
	case NotFound:
		return fmt.Sprintf("no such command: %s", e.Name)
	case LoadError:
		return fmt.Sprintf("unable to load %s: %v", e.Name, e.Err)
	case ShapeError:
		return fmt.Sprintf("%s is not runnable: %v", e.Name, e.Err)
	default:
		return fmt.Sprintf("resolving %s: %v", e.Name, e.Err)
	}
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == NotFound
	case ErrLoad:
		return e.Kind == LoadError
	case ErrShape:
		return e.Kind == ShapeError
	}
	return false
}

// ExitCode is the status reported to the client for this failure.
func (e *ResolutionError) ExitCode() int {
	switch e.Kind {
	case LoadError:
		return nail.ExitLoadError
	case ShapeError:
		return nail.ExitShapeError
	default:
		return nail.ExitNotFound
	}
}
