package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/nailgun/nail"
	"github.com/guseggert/nailgun/protocol"
	"github.com/guseggert/nailgun/registry"
	"github.com/guseggert/nailgun/stdio"
	"go.uber.org/zap"
)

type state int

const (
	stateAwaitingHeader state = iota
	stateAwaitingCommand
	stateResolving
	stateInvoking
	stateDraining
	stateClosed
	stateAborting
)

func (s state) String() string {
	switch s {
	case stateAwaitingHeader:
		return "awaiting header"
	case stateAwaitingCommand:
		return "awaiting command"
	case stateResolving:
		return "resolving"
	case stateInvoking:
		return "invoking"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	case stateAborting:
		return "aborting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session runs one client conversation from header to exit frame.
type session struct {
	id     string
	srv    *Server
	conn   net.Conn
	log    *zap.SugaredLogger
	out    *frameWriter
	cancel context.CancelFunc

	state   state
	command string
	args    []string
	env     nail.Env
	dir     string
}

func newSession(srv *Server, conn net.Conn) *session {
	id := uuid.NewString()
	s := &session{
		id:   id,
		srv:  srv,
		conn: conn,
		log:  srv.log.Named("session").With("session", id, "remote", conn.RemoteAddr().String()),
	}
	s.out = &frameWriter{w: conn, onFailure: s.transportFailed}
	return s
}

func (s *session) transportFailed(err error) {
	s.log.Debugw("transport failed", "err", err)
	if s.cancel != nil {
		s.cancel()
	}
	s.conn.Close()
}

// run drives the session to completion and returns its outcome label.
func (s *session) run(ctx context.Context) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	defer s.conn.Close()

	if err := s.readHeader(); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			s.log.Debugw("client disconnected before sending a request")
			return outcomeDisconnected
		case isProtocolError(err):
			s.abort(nail.ExitProtocolError, err)
			return outcomeProtocolError
		case s.srv.isShuttingDown():
			s.log.Debugw("connection closed by shutdown before a command was sent")
			return outcomeRejected
		default:
			s.log.Debugw("reading request", "err", err)
			return outcomeTransportError
		}
	}

	if !s.srv.leaveHeaderPhase(s.conn) {
		s.log.Debugw("server shutting down, dropping request", "command", s.command)
		return outcomeRejected
	}

	s.state = stateResolving
	entry, err := s.srv.registry.Resolve(s.command)
	if err != nil {
		var resErr *registry.ResolutionError
		if errors.As(err, &resErr) {
			s.abort(resErr.ExitCode(), err)
			return resolutionOutcome(resErr.Kind)
		}
		s.abort(nail.ExitNotFound, err)
		return outcomeNotFound
	}

	s.state = stateInvoking
	code, outcome := s.invoke(ctx, entry)
	if outcome == outcomeTransportError {
		return outcome
	}

	s.state = stateDraining
	if err := s.out.exit(code); err != nil {
		s.log.Debugw("writing exit frame", "err", err)
		return outcomeTransportError
	}
	s.state = stateClosed
	s.log.Debugw("session finished", "command", s.command, "exit", code)
	return outcome
}

func resolutionOutcome(k registry.Kind) string {
	switch k {
	case registry.LoadError:
		return outcomeLoadError
	case registry.ShapeError:
		return outcomeShapeError
	default:
		return outcomeNotFound
	}
}

func isProtocolError(err error) bool {
	var perr *protocol.Error
	return errors.As(err, &perr)
}

// readHeader consumes header frames up to and including the command.
// A clean disconnect before any frame is reported as io.EOF.
func (s *session) readHeader() error {
	s.state = stateAwaitingHeader
	for {
		f, err := protocol.ReadFrame(s.conn, s.srv.limits)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if s.state == stateAwaitingHeader {
					return io.EOF
				}
				return &protocol.Error{State: s.state.String(), Err: protocol.ErrMissingCommand}
			}
			if errors.Is(err, protocol.ErrShortHeader) || errors.Is(err, protocol.ErrTruncated) ||
				errors.Is(err, protocol.ErrPayloadTooLarge) {
				return &protocol.Error{State: s.state.String(), Err: err}
			}
			return err
		}

		switch f.Tag {
		case protocol.TagArgument:
			s.args = append(s.args, string(f.Payload))
		case protocol.TagEnvironment:
			if v, ok := nail.ParseEnvVar(string(f.Payload)); ok {
				s.env = append(s.env, v)
			} else {
				s.log.Debugw("ignoring malformed environment entry", "entry", string(f.Payload))
			}
		case protocol.TagWorkingDir:
			s.dir = string(f.Payload)
		case protocol.TagCommand:
			s.command = string(f.Payload)
			return nil
		default:
			return &protocol.Error{State: s.state.String(), Tag: f.Tag, Err: protocol.ErrUnexpectedTag}
		}
		s.state = stateAwaitingCommand
	}
}

// invoke runs entry with this session's streams and returns the exit status.
func (s *session) invoke(ctx context.Context, entry *nail.Entry) (int, string) {
	output := newOutputBuffer(s.out, s.srv.flushInterval)
	stdout := output.stream(protocol.TagStdout)
	stderr := output.stream(protocol.TagStderr)
	stdin := &stdinReader{r: s.conn, limits: s.srv.limits, out: output}

	ctx, unbind := s.srv.mux.Bind(ctx, stdio.Route{In: stdin, Out: stdout, Err: stderr})
	nc := (&nail.Context{
		Command:    s.command,
		Args:       s.args,
		Env:        s.env,
		WorkingDir: s.dir,
		RemoteAddr: s.conn.RemoteAddr(),
		In:         stdin,
		Out:        stdout,
		Err:        stderr,
	}).WithContext(ctx)

	s.log.Debugw("invoking nail", "command", s.command, "nail", entry.Name(), "args", len(s.args))
	s.srv.tracker.RecordStart(entry)
	start := time.Now()
	err := func() error {
		defer unbind()
		return entry.Invoke(nc)
	}()
	s.srv.tracker.RecordFinish(entry, time.Since(start))

	code := nail.Status(err)
	outcome := outcomeOK
	if code != 0 {
		outcome = outcomeNailFailed
	}
	if verr := stdin.violation(); verr != nil {
		s.state = stateAborting
		err, code, outcome = verr, nail.ExitProtocolError, outcomeProtocolError
	}
	if msg := nail.Diagnostic(err); msg != "" {
		var perr *nail.PanicError
		if errors.As(err, &perr) {
			s.log.Warnw("nail panicked", "nail", entry.Name(), "panic", perr.Value, "stack", string(perr.Stack))
		} else {
			s.log.Debugw("nail failed", "nail", entry.Name(), "err", err)
		}
		_, _ = fmt.Fprintln(stderr, msg)
	}

	if err := output.Close(); err != nil || s.out.failed() != nil {
		s.log.Debugw("discarding session after transport failure", "nail", entry.Name(), "err", s.out.failed())
		return code, outcomeTransportError
	}
	return code, outcome
}

// abort reports err to the client as a diagnostic followed by the exit status, as far as the
// connection still allows.
func (s *session) abort(code int, err error) {
	prev := s.state
	s.state = stateAborting
	s.log.Debugw("aborting session", "state", prev, "command", s.command, "err", err)
	if werr := s.out.write(protocol.TagStderr, []byte(err.Error()+"\n")); werr != nil {
		return
	}
	_ = s.out.exit(code)
	s.state = stateClosed
}
