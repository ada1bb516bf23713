// Package server accepts client connections and runs one nail per connection.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/nailgun/lifecycle"
	"github.com/guseggert/nailgun/nails/builtin"
	"github.com/guseggert/nailgun/protocol"
	"github.com/guseggert/nailgun/registry"
	"github.com/guseggert/nailgun/stdio"
	"go.uber.org/zap"
)

// DefaultFlushInterval is how often buffered nail output is sent while a nail runs.
const DefaultFlushInterval = 100 * time.Millisecond

// ErrServerClosed is returned by Serve after Shutdown has begun.
var ErrServerClosed = errors.New("nailgun: server closed")

// Server owns the listener, the registry, the lifecycle tracker and the stream multiplexer.
type Server struct {
	log *zap.SugaredLogger

	registry      *registry.Registry
	tracker       *lifecycle.Tracker
	mux           *stdio.Multiplexer
	metrics       *metrics
	limits        protocol.Limits
	flushInterval time.Duration
	tlsConfig     *tls.Config
	allowDirect   *bool
	exit          func(code int)
	adminAddr     string
	version       string

	mu           sync.Mutex
	listeners    map[net.Listener]struct{}
	adminServer  *http.Server
	shuttingDown bool
	sessions     sync.WaitGroup
	// connections whose session has not yet received its command
	pending map[net.Conn]struct{}
	restore      func()

	running      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Server.
type Option func(s *Server)

// WithLogger sets the logger the server and its sessions log through.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("nailgun").Sugar()
	}
}

// WithRegistry makes the server resolve commands through r instead of a fresh, empty registry.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithAllowDirect toggles resolving nails by canonical name when no alias matches.
func WithAllowDirect(allow bool) Option {
	return func(s *Server) {
		s.allowDirect = &allow
	}
}

// WithFlushInterval sets how often buffered output is sent while a nail runs. Zero disables
// periodic flushing; output is then sent when the buffer fills, before stdin is requested and at exit.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) {
		s.flushInterval = d
	}
}

// WithLimits bounds the size of frames read from clients.
func WithLimits(l protocol.Limits) Option {
	return func(s *Server) {
		s.limits = l
	}
}

// WithTLSConfig wraps every listener passed to Serve in TLS.
func WithTLSConfig(c *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = c
	}
}

// WithExitFunc replaces os.Exit as the function Shutdown calls when asked to terminate the process.
func WithExitFunc(f func(code int)) Option {
	return func(s *Server) {
		s.exit = f
	}
}

// WithAdminAddr sets the address ListenAndServeAdmin listens on. Empty disables the admin server.
func WithAdminAddr(addr string) Option {
	return func(s *Server) {
		s.adminAddr = addr
	}
}

// WithVersion sets the version reported by ng-version.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New constructs a server. The built-in nails are registered on its registry.
func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:           logger.Named("nailgun").Sugar(),
		tracker:       lifecycle.New(),
		mux:           stdio.New(os.Stdin, os.Stdout, os.Stderr),
		metrics:       newMetrics(),
		limits:        protocol.DefaultLimits(),
		flushInterval: DefaultFlushInterval,
		exit:          os.Exit,
		version:       "dev",
		listeners:     map[net.Listener]struct{}{},
		pending:       map[net.Conn]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = registry.New(nil)
	}
	if s.allowDirect != nil {
		s.registry.SetAllowDirect(*s.allowDirect)
	}
	s.tracker.SetObserver(s.metrics)

	if err := builtin.Register(s.registry, s); err != nil {
		return nil, fmt.Errorf("registering built-in nails: %w", err)
	}
	return s, nil
}

// Registry returns the registry commands are resolved through.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Stats returns the lifecycle snapshot, ordered by canonical nail name.
func (s *Server) Stats() []lifecycle.Stats { return s.tracker.Snapshot() }

// Version returns the server version string.
func (s *Server) Version() string { return s.version }

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool { return s.running.Load() }

// Addr returns the address of the first active listener, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		return l.Addr()
	}
	return nil
}

// ListenAndServe listens on the given network address and serves it.
func (s *Server) ListenAndServe(network, addr string) error {
	l, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", network, addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown is called, running each session in its own goroutine.
// It returns nil once shutdown closes l, and an error if accepting fails for any other reason.
func (s *Server) Serve(l net.Listener) error {
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	if s.restore == nil {
		s.restore = stdio.Install(s.mux)
	}
	s.running.Store(true)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	s.log.Infow("nailgun server started", "addr", l.Addr().String(), "tls", s.tlsConfig != nil)

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isShuttingDown() {
				return nil
			}
			s.running.Store(false)
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.ServeConn(context.Background(), conn)
	}
}

// ServeConn runs a single session on conn and closes it. It blocks until the session ends.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		conn.Close()
		s.metrics.session(outcomeRejected)
		return
	}
	s.sessions.Add(1)
	s.pending[conn] = struct{}{}
	s.mu.Unlock()
	defer s.sessions.Done()
	defer s.leaveHeaderPhase(conn)

	outcome := newSession(s, conn).run(ctx)
	s.metrics.session(outcome)
}

// leaveHeaderPhase marks conn as past its header. It reports false if shutdown has begun,
// in which case shutdown has already closed conn and the session must not resolve its command.
func (s *Server) leaveHeaderPhase(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[conn]; !ok {
		return false
	}
	delete(s.pending, conn)
	return !s.shuttingDown
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Shutdown stops accepting connections, closes connections that have not sent a command yet,
// waits for running sessions to finish or ctx to end,
// notifies every known nail's shutdown hook exactly once and restores the process's standard streams.
// Running nails are never interrupted. If exitProcess is set, the exit function is called with status 0.
// Only the first call does anything; later calls return its result.
func (s *Server) Shutdown(ctx context.Context, exitProcess bool) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
		if exitProcess {
			s.log.Infow("exiting process")
			s.exit(0)
		}
	})
	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	adminServer := s.adminServer
	pending := make([]net.Conn, 0, len(s.pending))
	for c := range s.pending {
		pending = append(pending, c)
		delete(s.pending, c)
	}
	s.mu.Unlock()
	s.running.Store(false)

	s.log.Infow("shutting down", "listeners", len(listeners), "pending", len(pending))
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debugw("closing listener", "addr", l.Addr().String(), "err", err)
		}
	}
	if adminServer != nil {
		if err := adminServer.Close(); err != nil {
			s.log.Debugw("closing admin server", "err", err)
		}
	}
	// Sessions that have not received a command yet would block the drain forever.
	for _, c := range pending {
		c.Close()
	}

	var drainErr error
	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = fmt.Errorf("waiting for running sessions: %w", ctx.Err())
		s.log.Warnw("shutdown continuing with sessions still running", "err", ctx.Err())
	}

	for _, e := range s.registry.Entries() {
		s.tracker.EnsureTracked(e)
	}
	hookCtx := context.WithoutCancel(ctx)
	for _, e := range s.tracker.Entries() {
		if !e.HasShutdownHook() {
			continue
		}
		if err := e.Shutdown(hookCtx); err != nil {
			s.log.Warnw("nail shutdown hook failed", "nail", e.Name(), "err", err)
		}
	}

	s.mu.Lock()
	restore := s.restore
	s.mu.Unlock()
	if restore != nil {
		restore()
	}
	s.log.Infow("nailgun server stopped")
	return drainErr
}
