// Package demo holds small nails that exercise both entry point shapes.
package demo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/guseggert/nailgun/nail"
	"github.com/guseggert/nailgun/registry"
	"github.com/guseggert/nailgun/stdio"
)

var (
	EchoEntry = nail.MustNew("demo.Echo", nail.MainFunc(Echo))
	CatEntry  = nail.MustNew("demo.Cat", Cat{})
	EnvEntry  = nail.MustNew("demo.Env", Env{})
	PwdEntry  = nail.MustNew("demo.Pwd", Pwd{})
	ExitEntry = nail.MustNew("demo.Exit", nail.MainFunc(ExitWith))
)

var aliases = []struct {
	name        string
	entry       *nail.Entry
	description string
}{
	{"echo", EchoEntry, "Prints its arguments"},
	{"cat", CatEntry, "Copies stdin to stdout"},
	{"env", EnvEntry, "Prints the client environment"},
	{"pwd", PwdEntry, "Prints the client working directory"},
	{"exit", ExitEntry, "Exits with the given status"},
}

// Provide makes the demo nails loadable by canonical name.
func Provide(c *registry.Catalog) {
	for _, a := range aliases {
		c.ProvideEntry(a.entry)
	}
}

// Register adds the demo nails to r under their short aliases.
func Register(r *registry.Registry) error {
	Provide(r.Catalog())
	for _, a := range aliases {
		if err := r.Register(a.name, a.entry, a.description); err != nil {
			return err
		}
	}
	return nil
}

// Echo prints its arguments separated by spaces. A leading -n suppresses the trailing newline.
func Echo(ctx context.Context, args []string) int {
	newline := true
	if len(args) > 0 && args[0] == "-n" {
		newline = false
		args = args[1:]
	}
	out := stdio.Stdout(ctx)
	fmt.Fprint(out, strings.Join(args, " "))
	if newline {
		fmt.Fprintln(out)
	}
	return 0
}

// Cat copies stdin to stdout.
type Cat struct{}

func (Cat) NailMain(nc *nail.Context) error {
	_, err := io.Copy(nc.Out, nc.In)
	return err
}

// Env prints the client's environment in the order it was sent, or the named variables if given.
type Env struct{}

func (Env) NailMain(nc *nail.Context) error {
	if len(nc.Args) == 0 {
		for _, kv := range nc.Env.Strings() {
			fmt.Fprintln(nc.Out, kv)
		}
		return nil
	}
	missing := false
	for _, name := range nc.Args {
		v, ok := nc.Env.Lookup(name)
		if !ok {
			missing = true
			continue
		}
		fmt.Fprintln(nc.Out, v)
	}
	if missing {
		return nail.Exit(1)
	}
	return nil
}

type Pwd struct{}

func (Pwd) NailMain(nc *nail.Context) error {
	if nc.WorkingDir == "" {
		return errors.New("client sent no working directory")
	}
	_, err := fmt.Fprintln(nc.Out, nc.WorkingDir)
	return err
}

// ExitWith exits with the status given as its only argument.
func ExitWith(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(stdio.Stderr(ctx), "usage: exit STATUS")
		return 2
	}
	code, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(stdio.Stderr(ctx), "exit: %s: numeric argument required\n", args[0])
		return 2
	}
	return code
}
