package server

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/guseggert/nailgun/protocol"
)

const (
	outputBufferSize = 8 << 10
	maxOutputChunk   = 64 << 10
)

var errSessionClosed = errors.New("session closed")

// frameWriter serializes frame writes to the connection. The first write error is sticky: it is
// returned by every later write, and onFailure runs once with it.
type frameWriter struct {
	mu        sync.Mutex
	w         io.Writer
	err       error
	closed    bool
	onFailure func(error)
}

func (fw *frameWriter) write(tag protocol.Tag, payload []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.err != nil {
		return fw.err
	}
	if fw.closed {
		return errSessionClosed
	}
	if err := protocol.Write(fw.w, tag, payload); err != nil {
		fw.failLocked(fmt.Errorf("writing %s frame: %w", tag, err))
		return fw.err
	}
	return nil
}

// fail records a transport error observed outside of a write, such as on the read side.
func (fw *frameWriter) fail(err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.err == nil {
		fw.failLocked(err)
	}
}

func (fw *frameWriter) failLocked(err error) {
	fw.err = err
	if fw.onFailure != nil {
		fw.onFailure(err)
	}
}

// exit writes the terminal frame. Nothing can be written afterwards.
func (fw *frameWriter) exit(code int) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.err != nil {
		return fw.err
	}
	if fw.closed {
		return errSessionClosed
	}
	fw.closed = true
	if err := protocol.Write(fw.w, protocol.TagExit, protocol.ExitPayload(code)); err != nil {
		fw.failLocked(fmt.Errorf("writing exit frame: %w", err))
		return fw.err
	}
	return nil
}

// failed returns the sticky transport error, if any.
func (fw *frameWriter) failed() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.err
}

// outputBuffer coalesces stdout and stderr writes into frames. It holds bytes of a single stream at
// a time, so switching streams flushes and the client sees writes in the order they were made.
type outputBuffer struct {
	fw *frameWriter

	mu     sync.Mutex
	tag    protocol.Tag
	buf    []byte
	closed bool

	stop chan struct{}
	done chan struct{}
}

func newOutputBuffer(fw *frameWriter, flushInterval time.Duration) *outputBuffer {
	b := &outputBuffer{
		fw:  fw,
		buf: make([]byte, 0, outputBufferSize),
	}
	if flushInterval > 0 {
		b.stop = make(chan struct{})
		b.done = make(chan struct{})
		go b.flushLoop(flushInterval)
	}
	return b
}

func (b *outputBuffer) flushLoop(interval time.Duration) {
	defer close(b.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			_ = b.Flush()
		}
	}
}

func (b *outputBuffer) stream(tag protocol.Tag) io.Writer {
	return outputStream{b: b, tag: tag}
}

func (b *outputBuffer) write(tag protocol.Tag, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if err := b.fw.failed(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(b.buf) > 0 && b.tag != tag {
		if err := b.flushLocked(); err != nil {
			return 0, err
		}
	}
	b.tag = tag

	if len(b.buf)+len(p) > outputBufferSize {
		if err := b.flushLocked(); err != nil {
			return 0, err
		}
		if len(p) >= outputBufferSize {
			written := 0
			for written < len(p) {
				end := written + maxOutputChunk
				if end > len(p) {
					end = len(p)
				}
				if err := b.fw.write(tag, p[written:end]); err != nil {
					return written, err
				}
				written = end
			}
			return written, nil
		}
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *outputBuffer) flushLocked() error {
	if len(b.buf) == 0 {
		return nil
	}
	err := b.fw.write(b.tag, b.buf)
	b.buf = b.buf[:0]
	return err
}

// Flush sends any pending output.
func (b *outputBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

// Close stops the periodic flush, sends pending output and rejects later writes.
func (b *outputBuffer) Close() error {
	if b.stop != nil {
		close(b.stop)
		<-b.done
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.flushLocked()
}

type outputStream struct {
	b   *outputBuffer
	tag protocol.Tag
}

func (s outputStream) Write(p []byte) (int, error) { return s.b.write(s.tag, p) }

// stdinReader pulls stdin from the client only when the nail reads. Each empty read buffer costs
// one send-input round trip.
type stdinReader struct {
	r      io.Reader
	limits protocol.Limits
	out    *outputBuffer

	mu          sync.Mutex
	pending     []byte
	eof         bool
	err         error
	protocolErr error
}

func (r *stdinReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.pending) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		if r.err != nil {
			return 0, r.err
		}
		r.err = r.request()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *stdinReader) request() error {
	if err := r.out.Flush(); err != nil {
		return err
	}
	if err := r.out.fw.write(protocol.TagSendInput, nil); err != nil {
		return err
	}
	f, err := protocol.ReadFrame(r.r, r.limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		err = fmt.Errorf("reading stdin: %w", err)
		r.out.fw.fail(err)
		return err
	}
	switch f.Tag {
	case protocol.TagStdin:
		r.pending = f.Payload
	case protocol.TagStdinEOF:
		r.eof = true
	default:
		cause := protocol.ErrUnexpectedTag
		if f.Tag == protocol.TagCommand {
			cause = protocol.ErrDuplicateCommand
		}
		r.protocolErr = &protocol.Error{State: stateInvoking.String(), Tag: f.Tag, Err: cause}
		return r.protocolErr
	}
	return nil
}

// violation returns the protocol error seen while reading stdin, if any.
func (r *stdinReader) violation() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protocolErr
}
