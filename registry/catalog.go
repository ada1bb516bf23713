package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/nailgun/nail"
)

// Loader produces an entry point value on demand. The value is passed to nail.New, unless it already is a *nail.Entry.
type Loader func() (any, error)

// Catalog knows how to load entry points by canonical name. It backs direct lookup and config-file aliases.
type Catalog struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

func NewCatalog() *Catalog {
	return &Catalog{loaders: make(map[string]Loader)}
}

// Provide makes the canonical name loadable, replacing any previous loader for it.
func (c *Catalog) Provide(name string, loader Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaders[name] = loader
}

// ProvideEntry makes an already-built entry loadable under its canonical name.
func (c *Catalog) ProvideEntry(e *nail.Entry) {
	c.Provide(e.Name(), func() (any, error) { return e, nil })
}

// Has reports whether the canonical name has a loader.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.loaders[name]
	return ok
}

// Names returns the loadable canonical names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.loaders))
	for name := range c.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds the entry for the canonical name.
func (c *Catalog) Load(name string) (*nail.Entry, error) {
	c.mu.RLock()
	loader, ok := c.loaders[name]
	c.mu.RUnlock()
	if !ok || loader == nil {
		return nil, &ResolutionError{Name: name, Kind: NotFound}
	}

	v, err := callLoader(loader)
	if err != nil {
		return nil, &ResolutionError{Name: name, Kind: LoadError, Err: err}
	}
	if e, ok := v.(*nail.Entry); ok && e != nil {
		return e, nil
	}
	e, err := nail.New(name, v)
	if err != nil {
		kind := LoadError
		if errors.Is(err, nail.ErrUnsupportedShape) {
			kind = ShapeError
		}
		return nil, &ResolutionError{Name: name, Kind: kind, Err: err}
	}
	return e, nil
}

func callLoader(loader Loader) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loader panicked: %v", r)
		}
	}()
	return loader()
}
