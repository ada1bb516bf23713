// Package builtin provides the control and introspection nails every server registers.
package builtin

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/guseggert/nailgun/lifecycle"
	"github.com/guseggert/nailgun/nail"
	"github.com/guseggert/nailgun/registry"
)

// StopTimeout bounds how long ng-stop waits for running sessions before the process exits.
const StopTimeout = 30 * time.Second

// Host is the part of the server the built-in nails control.
type Host interface {
	Registry() *registry.Registry
	Stats() []lifecycle.Stats
	Shutdown(ctx context.Context, exitProcess bool) error
	Version() string
}

// Register adds the built-in nails to r under their aliases and makes them available by canonical name.
func Register(r *registry.Registry, host Host) error {
	builtins := []struct {
		alias       string
		canonical   string
		description string
		nail        nail.Nail
	}{
		{"ng-alias", "nailgun.Alias", "Lists aliases, or defines one: ng-alias NAME NAIL [DESCRIPTION]", aliasNail{host}},
		{"ng-stats", "nailgun.Stats", "Shows per-nail invocation counts", statsNail{host}},
		{"ng-version", "nailgun.Version", "Shows the server version", versionNail{host}},
		{"ng-stop", "nailgun.Stop", "Shuts down the server process", stopNail{host}},
	}
	for _, b := range builtins {
		e, err := nail.New(b.canonical, b.nail)
		if err != nil {
			return err
		}
		r.Catalog().ProvideEntry(e)
		if err := r.Register(b.alias, e, b.description); err != nil {
			return fmt.Errorf("registering %s: %w", b.alias, err)
		}
	}
	return nil
}

type aliasNail struct{ host Host }

func (n aliasNail) NailMain(nc *nail.Context) error {
	reg := n.host.Registry()
	switch len(nc.Args) {
	case 0:
		tw := tabwriter.NewWriter(nc.Out, 0, 4, 2, ' ', 0)
		for _, a := range reg.List() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, a.Entry.Name(), a.Description)
		}
		return tw.Flush()
	case 2, 3:
		desc := ""
		if len(nc.Args) == 3 {
			desc = nc.Args[2]
		}
		if err := reg.RegisterCanonical(nc.Args[0], nc.Args[1], desc); err != nil {
			return err
		}
		fmt.Fprintf(nc.Out, "%s -> %s\n", nc.Args[0], nc.Args[1])
		return nil
	default:
		fmt.Fprintln(nc.Err, "usage: ng-alias [NAME NAIL [DESCRIPTION]]")
		return nail.Exit(1)
	}
}

type statsNail struct{ host Host }

func (n statsNail) NailMain(nc *nail.Context) error {
	tw := tabwriter.NewWriter(nc.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAIL\tSTARTED\tFINISHED\tRUNNING\tTIME")
	for _, st := range n.host.Stats() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", st.Name, st.Started, st.Finished, st.Running, st.RunTime)
	}
	return tw.Flush()
}

type versionNail struct{ host Host }

func (n versionNail) NailMain(nc *nail.Context) error {
	_, err := fmt.Fprintf(nc.Out, "nailgun server version %s\n", n.host.Version())
	return err
}

type stopNail struct{ host Host }

// NailMain starts shutdown in the background, since shutdown waits for this session to finish.
func (n stopNail) NailMain(nc *nail.Context) error {
	fmt.Fprintln(nc.Out, "stopping nailgun server")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
		defer cancel()
		n.host.Shutdown(ctx, true)
	}()
	return nil
}
