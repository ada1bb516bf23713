// Package client runs nails on a nailgun server.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/guseggert/nailgun/protocol"
	"nhooyr.io/websocket"
)

// ErrNoExit is returned when the server closes the connection without sending an exit status.
var ErrNoExit = errors.New("client: connection closed before exit status")

const stdinChunkSize = 64 << 10

// Request describes one invocation.
type Request struct {
	Command    string
	Args       []string
	Env        []string
	WorkingDir string

	// Stdin is read only when the server asks for input. Nil is an empty stdin.
	Stdin io.Reader
	// Output is discarded when nil.
	Stdout io.Writer
	Stderr io.Writer
}

// Client dials a server for each request.
type Client struct {
	network   string
	addr      string
	tlsConfig *tls.Config
	wsURL     string
	wsClient  *http.Client
	limits    protocol.Limits
}

type Option func(c *Client)

func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

// WithWebSocket makes the client reach the server through its admin websocket endpoint at url
// (for example ws://host:port/nail) instead of dialing network and addr.
func WithWebSocket(url string, httpClient *http.Client) Option {
	return func(c *Client) {
		c.wsURL = url
		c.wsClient = httpClient
	}
}

// New creates a client for the server listening on network and addr.
func New(network, addr string, opts ...Option) *Client {
	c := &Client{
		network: network,
		addr:    addr,
		limits:  protocol.DefaultLimits(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.wsURL != "" {
		ws, _, err := websocket.Dial(ctx, c.wsURL, &websocket.DialOptions{
			HTTPClient:      c.wsClient,
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}
		ws.SetReadLimit(int64(c.limits.MaxPayloadBytes) + protocol.HeaderLen)
		return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
	}
	if c.tlsConfig != nil {
		d := &tls.Dialer{Config: c.tlsConfig}
		return d.DialContext(ctx, c.network, c.addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, c.network, c.addr)
}

// Run dials the server, runs the request and returns the nail's exit status.
func (c *Client) Run(ctx context.Context, req Request) (int, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, fmt.Errorf("dialing: %w", err)
	}
	return c.RunConn(ctx, conn, req)
}

// RunConn runs the request over an established connection, closing it when done.
func (c *Client) RunConn(ctx context.Context, conn net.Conn, req Request) (int, error) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	enc := protocol.NewEncoder(conn)
	if err := enc.Request(req.Command, req.Args, req.Env, req.WorkingDir); err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	stdin := req.Stdin
	var buf []byte

	for {
		f, err := protocol.ReadFrame(conn, c.limits)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return 0, ErrNoExit
			}
			return 0, fmt.Errorf("reading frame: %w", err)
		}
		switch f.Tag {
		case protocol.TagStdout:
			if _, err := stdout.Write(f.Payload); err != nil {
				return 0, fmt.Errorf("writing stdout: %w", err)
			}
		case protocol.TagStderr:
			if _, err := stderr.Write(f.Payload); err != nil {
				return 0, fmt.Errorf("writing stderr: %w", err)
			}
		case protocol.TagSendInput:
			if stdin == nil {
				if err := enc.StdinEOF(); err != nil {
					return 0, fmt.Errorf("sending stdin: %w", err)
				}
				continue
			}
			if buf == nil {
				buf = make([]byte, stdinChunkSize)
			}
			n, rerr := stdin.Read(buf)
			if n > 0 {
				if err := enc.Stdin(buf[:n]); err != nil {
					return 0, fmt.Errorf("sending stdin: %w", err)
				}
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					return 0, fmt.Errorf("reading stdin: %w", rerr)
				}
				stdin = nil
				if n == 0 {
					if err := enc.StdinEOF(); err != nil {
						return 0, fmt.Errorf("sending stdin: %w", err)
					}
				}
			} else if n == 0 {
				// The server asks again after an empty chunk.
				if err := enc.Stdin(nil); err != nil {
					return 0, fmt.Errorf("sending stdin: %w", err)
				}
			}
		case protocol.TagExit:
			return protocol.ParseExit(f.Payload)
		default:
			return 0, fmt.Errorf("unexpected %s frame from server", f.Tag)
		}
	}
}
