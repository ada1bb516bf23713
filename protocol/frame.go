package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// HeaderLen is the size of the length+tag prefix of every frame.
const HeaderLen = 5

// Tag identifies the kind of a frame.
type Tag byte

// Client to server.
const (
	TagArgument    Tag = 'A'
	TagEnvironment Tag = 'E'
	TagWorkingDir  Tag = 'D'
	TagCommand     Tag = 'C'
	TagStdin       Tag = '0'
	TagStdinEOF    Tag = '.'
)

// Server to client.
const (
	TagSendInput Tag = 'S'
	TagStdout    Tag = '1'
	TagStderr    Tag = '2'
	TagExit      Tag = 'X'
)

func (t Tag) String() string {
	switch t {
	case TagArgument:
		return "argument"
	case TagEnvironment:
		return "environment"
	case TagWorkingDir:
		return "working-directory"
	case TagCommand:
		return "command"
	case TagStdin:
		return "stdin"
	case TagStdinEOF:
		return "stdin-eof"
	case TagSendInput:
		return "send-input"
	case TagStdout:
		return "stdout"
	case TagStderr:
		return "stderr"
	case TagExit:
		return "exit"
	default:
		return fmt.Sprintf("unknown(%#02x)", byte(t))
	}
}

var (
	ErrShortHeader     = errors.New("protocol: short frame header")
	ErrTruncated       = errors.New("protocol: truncated frame payload")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrInvalidExit     = errors.New("protocol: invalid exit payload")
)

// Frame is one unit of the wire protocol.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

// ReadFrame reads one frame from r.
// It returns io.EOF only if r was at EOF before the first header byte, so callers can tell a clean
// disconnect apart from a truncated frame.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hdr [HeaderLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	length := binary.BigEndian.Uint32(hdr[0:4])
	if limits.MaxPayloadBytes > 0 && length > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	f := Frame{Tag: Tag(hdr[4])}
	if length == 0 {
		return f, nil
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}
	return f, nil
}

// WriteFrame writes one frame to w. The header and payload are handed to w together, which on a
// net.Conn becomes a single vectored write.
func WriteFrame(w io.Writer, f Frame) error {
	if uint64(len(f.Payload)) > uint64(^uint32(0)) {
		return ErrPayloadTooLarge
	}
	hdr := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(f.Payload)))
	hdr[4] = byte(f.Tag)

	bufs := net.Buffers{hdr}
	if len(f.Payload) > 0 {
		bufs = append(bufs, f.Payload)
	}
	_, err := bufs.WriteTo(w)
	return err
}

// Write is shorthand for WriteFrame(w, Frame{Tag: tag, Payload: payload}).
func Write(w io.Writer, tag Tag, payload []byte) error {
	return WriteFrame(w, Frame{Tag: tag, Payload: payload})
}

// ExitPayload encodes an exit status.
func ExitPayload(code int) []byte {
	return []byte(strconv.Itoa(code))
}

// ParseExit decodes the payload of an exit frame.
func ParseExit(payload []byte) (int, error) {
	code, err := strconv.Atoi(string(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExit, payload)
	}
	return code, nil
}
