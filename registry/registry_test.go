package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/guseggert/nailgun/nail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func noop(ctx context.Context, args []string) int { return 0 }

func TestRegisterResolveReplace(t *testing.T) {
	r := New(nil)
	first := nail.MustNew("test.First", noop)
	second := nail.MustNew("test.Second", noop)

	require.NoError(t, r.Register("run", first, "runs the first"))
	got, err := r.Resolve("run")
	require.NoError(t, err)
	assert.Same(t, first, got)

	require.NoError(t, r.Register("run", second, "runs the second"))
	got, err = r.Resolve("run")
	require.NoError(t, err)
	assert.Same(t, second, got)

	a, ok := r.Alias("run")
	require.True(t, ok)
	assert.Equal(t, "runs the second", a.Description)

	assert.True(t, r.Unregister("run"))
	assert.False(t, r.Unregister("run"))
	_, err = r.Resolve("run")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterInvalid(t *testing.T) {
	r := New(nil)
	assert.ErrorIs(t, r.Register("", nail.MustNew("test.X", noop), ""), ErrInvalidAlias)
	assert.ErrorIs(t, r.Register("x", nil, ""), ErrInvalidAlias)
}

func TestListSortedAndEntriesDistinct(t *testing.T) {
	r := New(nil)
	shared := nail.MustNew("test.Shared", noop)
	other := nail.MustNew("test.Another", noop)
	require.NoError(t, r.Register("zeta", shared, "z"))
	require.NoError(t, r.Register("alpha", shared, "a"))
	require.NoError(t, r.Register("mid", other, "m"))

	var names []string
	for _, a := range r.List() {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "test.Another", entries[0].Name())
	assert.Equal(t, "test.Shared", entries[1].Name())
}

func TestResolveDirect(t *testing.T) {
	catalog := NewCatalog()
	catalog.Provide("demo.Echo", func() (any, error) { return nail.MainFunc(noop), nil })
	catalog.Provide("demo.Broken", func() (any, error) { return nil, errors.New("missing dependency") })
	catalog.Provide("demo.Panics", func() (any, error) { panic("init failed") })
	catalog.Provide("demo.NotANail", func() (any, error) { return 42, nil })

	r := New(catalog)

	// disabled: canonical names are not found
	_, err := r.Resolve("demo.Echo")
	assert.ErrorIs(t, err, ErrNotFound)

	r.SetAllowDirect(true)
	assert.True(t, r.AllowDirect())

	e1, err := r.Resolve("demo.Echo")
	require.NoError(t, err)
	e2, err := r.Resolve("demo.Echo")
	require.NoError(t, err)
	assert.Same(t, e1, e2)

	cases := []struct {
		name     string
		expErr   error
		expKind  Kind
		expCode  int
		expInMsg string
	}{
		{name: "demo.Missing", expErr: ErrNotFound, expKind: NotFound, expCode: nail.ExitNotFound, expInMsg: "no such command"},
		{name: "demo.Broken", expErr: ErrLoad, expKind: LoadError, expCode: nail.ExitLoadError, expInMsg: "missing dependency"},
		{name: "demo.Panics", expErr: ErrLoad, expKind: LoadError, expCode: nail.ExitLoadError, expInMsg: "init failed"},
		{name: "demo.NotANail", expErr: ErrShape, expKind: ShapeError, expCode: nail.ExitShapeError, expInMsg: "not runnable"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := r.Resolve(c.name)
			require.ErrorIs(t, err, c.expErr)
			var resErr *ResolutionError
			require.ErrorAs(t, err, &resErr)
			assert.Equal(t, c.expKind, resErr.Kind)
			assert.Equal(t, c.expCode, resErr.ExitCode())
			assert.Contains(t, err.Error(), c.expInMsg)
		})
	}
}

func TestResolveDirectFindsAliasedEntry(t *testing.T) {
	r := New(nil)
	r.SetAllowDirect(true)
	e := nail.MustNew("test.Aliased", noop)
	require.NoError(t, r.Register("short", e, ""))

	got, err := r.Resolve("test.Aliased")
	require.NoError(t, err)
	assert.Same(t, e, got)
}

func TestRegisterCanonical(t *testing.T) {
	catalog := NewCatalog()
	entry := nail.MustNew("demo.Cat", noop)
	catalog.ProvideEntry(entry)
	r := New(catalog)

	require.NoError(t, r.RegisterCanonical("cat", "demo.Cat", "copies stdin"))
	got, err := r.Resolve("cat")
	require.NoError(t, err)
	assert.Same(t, entry, got)

	err = r.RegisterCanonical("dog", "demo.Dog", "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"demo.Cat"}, catalog.Names())
	assert.True(t, catalog.Has("demo.Cat"))
}

func TestConcurrentResolve(t *testing.T) {
	r := New(nil)
	target := nail.MustNew("test.Target", noop)
	require.NoError(t, r.Register("target", target, ""))

	var group errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		group.Go(func() error {
			for j := 0; j < 200; j++ {
				name := fmt.Sprintf("other-%d-%d", i, j)
				if err := r.Register(name, nail.MustNew("test."+name, noop), ""); err != nil {
					return err
				}
				got, err := r.Resolve("target")
				if err != nil {
					return err
				}
				if got != target {
					return fmt.Errorf("resolved wrong entry %s", got.Name())
				}
				if _, err := r.Resolve("unregistered"); !errors.Is(err, ErrNotFound) {
					return fmt.Errorf("expected not found, got %v", err)
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}
