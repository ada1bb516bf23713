package stdio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBindAndFallback(t *testing.T) {
	fallbackOut := &syncBuffer{}
	m := New(strings.NewReader("fallback in"), fallbackOut, io.Discard)

	routeOut := &syncBuffer{}
	ctx, unbind := m.Bind(context.Background(), Route{In: strings.NewReader("route in"), Out: routeOut})
	assert.True(t, m.Bound(ctx))
	assert.Equal(t, 1, m.Count())

	w := m.Stdout(ctx)
	_, err := io.WriteString(w, "bound")
	require.NoError(t, err)

	in, err := io.ReadAll(m.Stdin(ctx))
	require.NoError(t, err)
	assert.Equal(t, "route in", string(in))

	// nil Err discards
	n, err := m.Stderr(ctx).Write([]byte("dropped"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	unbind()
	unbind()
	assert.False(t, m.Bound(ctx))
	assert.Equal(t, 0, m.Count())

	// the same writer resolves again after the route is gone
	_, err = io.WriteString(w, "unbound")
	require.NoError(t, err)

	assert.Equal(t, "bound", routeOut.String())
	assert.Equal(t, "unbound", fallbackOut.String())

	in, err = io.ReadAll(m.Stdin(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, "fallback in", string(in))
}

func TestNilStdinIsEOF(t *testing.T) {
	m := New(nil, io.Discard, io.Discard)
	ctx, unbind := m.Bind(context.Background(), Route{})
	defer unbind()
	n, err := m.Stdin(ctx).Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnbindByContext(t *testing.T) {
	m := New(nil, io.Discard, io.Discard)
	other := New(nil, io.Discard, io.Discard)
	ctx, _ := m.Bind(context.Background(), Route{})

	other.Unbind(ctx)
	assert.True(t, m.Bound(ctx))
	m.Unbind(ctx)
	assert.False(t, m.Bound(ctx))
}

func TestConcurrentRoutesAreIsolated(t *testing.T) {
	fallback := &syncBuffer{}
	m := New(nil, fallback, fallback)

	const workers, lines = 16, 200
	outs := make([]*syncBuffer, workers)
	errs := make([]*syncBuffer, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		outs[i], errs[i] = &syncBuffer{}, &syncBuffer{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, unbind := m.Bind(context.Background(), Route{Out: outs[i], Err: errs[i]})
			defer unbind()
			for j := 0; j < lines; j++ {
				fmt.Fprintf(Stdout(ctx), "out %d\n", i)
				fmt.Fprintf(Stderr(ctx), "err %d\n", i)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		assert.Equal(t, strings.Repeat(fmt.Sprintf("out %d\n", i), lines), outs[i].String())
		assert.Equal(t, strings.Repeat(fmt.Sprintf("err %d\n", i), lines), errs[i].String())
	}
	assert.Empty(t, fallback.String())
	assert.Equal(t, 0, m.Count())
}

func TestInstallRestore(t *testing.T) {
	before := Current()
	out := &syncBuffer{}
	m := New(nil, out, io.Discard)

	restore := Install(m)
	assert.Same(t, m, Current())
	_, err := io.WriteString(Stdout(context.Background()), "installed")
	require.NoError(t, err)

	restore()
	restore()
	assert.Same(t, before, Current())
	assert.Equal(t, "installed", out.String())
}

func TestBoundContextUsesItsOwnMultiplexer(t *testing.T) {
	installedOut := &syncBuffer{}
	restore := Install(New(nil, installedOut, io.Discard))
	defer restore()

	routeOut := &syncBuffer{}
	private := New(nil, io.Discard, io.Discard)
	ctx, unbind := private.Bind(context.Background(), Route{Out: routeOut})
	defer unbind()

	_, err := io.WriteString(Stdout(ctx), "private")
	require.NoError(t, err)
	assert.Equal(t, "private", routeOut.String())
	assert.Empty(t, installedOut.String())
}
