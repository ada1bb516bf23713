// Package stdio routes the standard streams of concurrently running nails.
//
// Go has no per-goroutine state, so a nail's route travels in its context.Context. Writers and readers
// returned from Stdout, Stderr and Stdin look the route up on every call: while the route is bound
// they reach the owning session, and afterwards, or for a context that was never bound, they reach
// the process's original streams.
package stdio

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Route is one worker's set of streams. Nil fields read as EOF or discard writes.
type Route struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

type binding struct {
	mux *Multiplexer
	id  uint64
}

type bindingKey struct{}

// Multiplexer holds the bound routes and the fallback streams used outside any route.
type Multiplexer struct {
	fallback Route
	routes   sync.Map // uint64 -> Route
	nextID   atomic.Uint64
}

// New creates a multiplexer that falls back to the given streams.
func New(in io.Reader, out, errOut io.Writer) *Multiplexer {
	return &Multiplexer{fallback: Route{In: in, Out: out, Err: errOut}}
}

// Fallback returns the streams used for unbound contexts.
func (m *Multiplexer) Fallback() Route { return m.fallback }

// Bind registers r and returns a context carrying it, along with a function that unbinds it.
// The unbind function is idempotent.
func (m *Multiplexer) Bind(ctx context.Context, r Route) (context.Context, func()) {
	id := m.nextID.Add(1)
	m.routes.Store(id, r)
	var once sync.Once
	return context.WithValue(ctx, bindingKey{}, binding{mux: m, id: id}), func() {
		once.Do(func() { m.routes.Delete(id) })
	}
}

// Unbind removes the route carried by ctx, if it belongs to m.
func (m *Multiplexer) Unbind(ctx context.Context) {
	if b, ok := bindingFrom(ctx); ok && b.mux == m {
		m.routes.Delete(b.id)
	}
}

// Bound reports whether ctx carries a live route of m.
func (m *Multiplexer) Bound(ctx context.Context) bool {
	_, ok := m.lookup(ctx)
	return ok
}

// Count returns the number of live routes.
func (m *Multiplexer) Count() int {
	n := 0
	m.routes.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func (m *Multiplexer) lookup(ctx context.Context) (Route, bool) {
	b, ok := bindingFrom(ctx)
	if !ok || b.mux != m {
		return Route{}, false
	}
	v, ok := m.routes.Load(b.id)
	if !ok {
		return Route{}, false
	}
	return v.(Route), true
}

func (m *Multiplexer) route(ctx context.Context) Route {
	if r, ok := m.lookup(ctx); ok {
		return r
	}
	return m.fallback
}

// Stdout returns a writer for ctx's standard output.
func (m *Multiplexer) Stdout(ctx context.Context) io.Writer {
	return writer{m: m, ctx: ctx, pick: func(r Route) io.Writer { return r.Out }}
}

// Stderr returns a writer for ctx's standard error.
func (m *Multiplexer) Stderr(ctx context.Context) io.Writer {
	return writer{m: m, ctx: ctx, pick: func(r Route) io.Writer { return r.Err }}
}

// Stdin returns a reader for ctx's standard input.
func (m *Multiplexer) Stdin(ctx context.Context) io.Reader {
	return reader{m: m, ctx: ctx}
}

type writer struct {
	m    *Multiplexer
	ctx  context.Context
	pick func(Route) io.Writer
}

func (w writer) Write(p []byte) (int, error) {
	dst := w.pick(w.m.route(w.ctx))
	if dst == nil {
		return len(p), nil
	}
	return dst.Write(p)
}

type reader struct {
	m   *Multiplexer
	ctx context.Context
}

func (r reader) Read(p []byte) (int, error) {
	src := r.m.route(r.ctx).In
	if src == nil {
		return 0, io.EOF
	}
	return src.Read(p)
}

func bindingFrom(ctx context.Context) (binding, bool) {
	if ctx == nil {
		return binding{}, false
	}
	b, ok := ctx.Value(bindingKey{}).(binding)
	return b, ok
}

var (
	passthrough = New(os.Stdin, os.Stdout, os.Stderr)
	current     atomic.Pointer[Multiplexer]
)

func init() { current.Store(passthrough) }

// Install makes m the process-wide multiplexer for unbound lookups and returns a function that
// restores the previous one.
func Install(m *Multiplexer) (restore func()) {
	prev := current.Swap(m)
	var once sync.Once
	return func() {
		once.Do(func() { current.CompareAndSwap(m, prev) })
	}
}

// Current returns the installed multiplexer.
func Current() *Multiplexer { return current.Load() }

func forContext(ctx context.Context) *Multiplexer {
	if b, ok := bindingFrom(ctx); ok {
		return b.mux
	}
	return Current()
}

// Stdout returns ctx's standard output, or the process's if ctx carries no route.
func Stdout(ctx context.Context) io.Writer { return forContext(ctx).Stdout(ctx) }

// Stderr returns ctx's standard error, or the process's if ctx carries no route.
func Stderr(ctx context.Context) io.Writer { return forContext(ctx).Stderr(ctx) }

// Stdin returns ctx's standard input, or the process's if ctx carries no route.
func Stdin(ctx context.Context) io.Reader { return forContext(ctx).Stdin(ctx) }
