package protocol

import (
	"io"
)

// Encoder writes the client side of a conversation.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) Argument(arg string) error {
	return Write(e.w, TagArgument, []byte(arg))
}

func (e *Encoder) Env(name, value string) error {
	return Write(e.w, TagEnvironment, []byte(name+"="+value))
}

func (e *Encoder) WorkingDir(dir string) error {
	return Write(e.w, TagWorkingDir, []byte(dir))
}

func (e *Encoder) Command(name string) error {
	return Write(e.w, TagCommand, []byte(name))
}

func (e *Encoder) Stdin(p []byte) error {
	return Write(e.w, TagStdin, p)
}

func (e *Encoder) StdinEOF() error {
	return Write(e.w, TagStdinEOF, nil)
}

// Request writes a complete header: arguments, environment entries, the working directory if non-empty,
// and finally the command.
func (e *Encoder) Request(command string, args []string, env []string, dir string) error {
	for _, a := range args {
		if err := e.Argument(a); err != nil {
			return err
		}
	}
	for _, kv := range env {
		if err := Write(e.w, TagEnvironment, []byte(kv)); err != nil {
			return err
		}
	}
	if dir != "" {
		if err := e.WorkingDir(dir); err != nil {
			return err
		}
	}
	return e.Command(command)
}
