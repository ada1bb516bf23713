package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/nailgun/client"
	"github.com/guseggert/nailgun/nail"
	"github.com/guseggert/nailgun/protocol"
	"github.com/guseggert/nailgun/stdio"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// hookNail blocks until release is closed, if set, and counts shutdown notifications.
type hookNail struct {
	release chan struct{}
	hooks   atomic.Int32
	err     error
	panics  bool
}

func (n *hookNail) Main(ctx context.Context, args []string) int {
	if n.release != nil {
		<-n.release
	}
	fmt.Fprint(stdio.Stdout(ctx), "done")
	return 0
}

func (n *hookNail) NailShutdown(ctx context.Context) error {
	n.hooks.Add(1)
	if n.panics {
		panic("hook exploded")
	}
	return n.err
}

type runResult struct {
	code   int
	stdout string
	err    error
}

func runAsync(c *client.Client, command string) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		stdout := &bytes.Buffer{}
		code, err := c.Run(context.Background(), client.Request{Command: command, Stdout: stdout})
		ch <- runResult{code: code, stdout: stdout.String(), err: err}
	}()
	return ch
}

func TestShutdownDrainsSessionsAndRunsHooks(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	exitCodes := make(chan int, 1)
	ts := startServer(t,
		WithLogger(zap.New(core)),
		WithExitFunc(func(code int) { exitCodes <- code }),
	)

	slow := &hookNail{release: make(chan struct{})}
	idle := &hookNail{}
	failing := &hookNail{err: errors.New("cannot flush cache")}
	panicky := &hookNail{panics: true}
	idleEntry := nail.MustNew("test.Idle", idle)
	reg := ts.Registry()
	require.NoError(t, reg.Register("slow", nail.MustNew("test.Slow", slow), ""))
	require.NoError(t, reg.Register("idle", idleEntry, ""))
	require.NoError(t, reg.Register("idle-again", idleEntry, ""))
	require.NoError(t, reg.Register("failing", nail.MustNew("test.Failing", failing), ""))
	require.NoError(t, reg.Register("panicky", nail.MustNew("test.Panicky", panicky), ""))

	c := ts.client()
	first, second := runAsync(c, "slow"), runAsync(c, "slow")
	require.Eventually(t, func() bool {
		st, ok := statsFor(ts.Server, "test.Slow")
		return ok && st.Running == 2
	}, 5*time.Second, 5*time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- ts.Shutdown(context.Background(), true) }()
	require.Eventually(t, func() bool { return !ts.IsRunning() }, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", ts.addr, time.Second)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 5*time.Second, 10*time.Millisecond, "listener still accepting")

	select {
	case <-shutdownDone:
		t.Fatal("shutdown finished while sessions were running")
	case <-time.After(100 * time.Millisecond):
	}
	assert.EqualValues(t, 0, idle.hooks.Load())

	close(slow.release)
	for _, ch := range []<-chan runResult{first, second} {
		res := <-ch
		require.NoError(t, res.err)
		assert.Equal(t, 0, res.code)
		assert.Equal(t, "done", res.stdout)
	}

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.Equal(t, 0, <-exitCodes)

	for name, n := range map[string]*hookNail{"slow": slow, "idle": idle, "failing": failing, "panicky": panicky} {
		assert.EqualValues(t, 1, n.hooks.Load(), name)
	}
	st, ok := statsFor(ts.Server, "test.Idle")
	require.True(t, ok)
	assert.EqualValues(t, 0, st.Started)

	hookFailures := logs.FilterMessage("nail shutdown hook failed").All()
	assert.Len(t, hookFailures, 2)

	require.NoError(t, ts.Shutdown(context.Background(), true))
	assert.EqualValues(t, 1, idle.hooks.Load())
	assert.Empty(t, exitCodes)
}

func TestShutdownTimeoutStillRunsHooks(t *testing.T) {
	ts := startServer(t)
	stuck := &hookNail{release: make(chan struct{})}
	require.NoError(t, ts.Registry().Register("stuck", nail.MustNew("test.Stuck", stuck), ""))

	result := runAsync(ts.client(), "stuck")
	require.Eventually(t, func() bool {
		st, ok := statsFor(ts.Server, "test.Stuck")
		return ok && st.Running == 1
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := ts.Shutdown(ctx, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, stuck.hooks.Load())

	// the running nail is left alone and still completes
	close(stuck.release)
	res := <-result
	require.NoError(t, res.err)
	assert.Equal(t, "done", res.stdout)
}

func TestStopNail(t *testing.T) {
	exitCodes := make(chan int, 1)
	ts := startServer(t, WithExitFunc(func(code int) { exitCodes <- code }))
	conn := dial(t, ts.addr)

	send(t, conn, request("ng-stop")...)
	assert.Equal(t, []protocol.Frame{
		frame(protocol.TagStdout, "stopping nailgun server\n"),
		frame(protocol.TagExit, "0"),
	}, readFrames(t, conn))

	select {
	case code := <-exitCodes:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not exit")
	}
	assert.False(t, ts.IsRunning())
}

func TestStopNailWithIdleConnections(t *testing.T) {
	exitCodes := make(chan int, 1)
	ts := startServer(t, WithExitFunc(func(code int) { exitCodes <- code }))

	idle := dial(t, ts.addr)
	partial := dial(t, ts.addr)
	send(t, partial, frame(protocol.TagArgument, "never finished"))
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.pending) == 2
	}, 5*time.Second, 10*time.Millisecond)

	code, err := ts.client().Run(context.Background(), client.Request{Command: "ng-stop", Stdout: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	select {
	case code := <-exitCodes:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown blocked on connections that never sent a command")
	}

	_, err = protocol.ReadFrame(idle, protocol.DefaultLimits())
	assert.ErrorIs(t, err, io.EOF)
	_, err = protocol.ReadFrame(partial, protocol.DefaultLimits())
	assert.Error(t, err)
}

func TestShutdownClosesHeaderPhaseConnections(t *testing.T) {
	ts := startServer(t)
	conn := dial(t, ts.addr)
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- ts.Shutdown(context.Background(), false) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown waited on a connection that never sent a command")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(ts.metrics.sessions.WithLabelValues(outcomeRejected)))

	_, err := protocol.ReadFrame(conn, protocol.DefaultLimits())
	assert.ErrorIs(t, err, io.EOF)
}
