package nail

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// ErrUnsupportedShape is returned by New when a value has no usable entry point.
var ErrUnsupportedShape = errors.New("nail: value implements neither NailMain nor Main")

// Nail receives the invocation request along with explicit standard stream handles.
type Nail interface {
	NailMain(nc *Context) error
}

// AmbientNail receives only the argument list and uses the ambient standard streams from package stdio.
// The returned value is the exit status.
type AmbientNail interface {
	Main(ctx context.Context, args []string) int
}

// MainFunc is the function form of AmbientNail.
type MainFunc func(ctx context.Context, args []string) int

// Shutdowner is implemented by nails that want to be notified when the server shuts down.
type Shutdowner interface {
	NailShutdown(ctx context.Context) error
}

// Entry is a registered, immutable entry point identified by its canonical name.
type Entry struct {
	name string
	run  func(nc *Context) error
	hook Shutdowner
}

// New builds an Entry from v, which must be a Nail, an AmbientNail, a MainFunc, or a plain
// func(context.Context, []string) int.
func New(name string, v any) (*Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("nail: canonical name is required")
	}
	e := &Entry{name: name}
	switch n := v.(type) {
	case Nail:
		e.run = n.NailMain
	case AmbientNail:
		e.run = runMain(n.Main)
	case MainFunc:
		e.run = runMain(n)
	case func(context.Context, []string) int:
		e.run = runMain(n)
	default:
		return nil, fmt.Errorf("%w: %s is %T", ErrUnsupportedShape, name, v)
	}
	if h, ok := v.(Shutdowner); ok {
		e.hook = h
	}
	return e, nil
}

// MustNew is like New but panics on error. It is meant for package-level registration of known nails.
func MustNew(name string, v any) *Entry {
	e, err := New(name, v)
	if err != nil {
		panic(err)
	}
	return e
}

func runMain(fn MainFunc) func(nc *Context) error {
	return func(nc *Context) error {
		if code := fn(nc.Context(), nc.Args); code != 0 {
			return Exit(code)
		}
		return nil
	}
}

// Name returns the canonical name of the entry point.
func (e *Entry) Name() string { return e.name }

// HasShutdownHook reports whether the entry point wants shutdown notification.
func (e *Entry) HasShutdownHook() bool { return e.hook != nil }

// Invoke runs the entry point. A panic inside the nail is recovered and returned as a *PanicError.
func (e *Entry) Invoke(nc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return e.run(nc)
}

// Shutdown calls the entry point's shutdown hook, if it has one.
func (e *Entry) Shutdown(ctx context.Context) (err error) {
	if e.hook == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return e.hook.NailShutdown(ctx)
}

func (e *Entry) String() string { return e.name }
