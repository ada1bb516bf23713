// Package registry maps requested command names to entry points.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/guseggert/nailgun/nail"
)

var ErrInvalidAlias = errors.New("registry: alias needs a name and an entry")

// Alias binds a human-chosen name to an entry point.
type Alias struct {
	Name        string
	Description string
	Entry       *nail.Entry
}

// Registry resolves names first by alias and then, if direct lookup is enabled, by canonical name.
// It is safe for concurrent use; locks are only held for map access, never while a nail runs or loads.
type Registry struct {
	catalog *Catalog

	mu          sync.RWMutex
	aliases     map[string]Alias
	loaded      map[string]*nail.Entry
	allowDirect bool
}

// New creates a registry backed by catalog for direct lookups. A nil catalog means an empty one.
func New(catalog *Catalog) *Registry {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Registry{
		catalog: catalog,
		aliases: make(map[string]Alias),
		loaded:  make(map[string]*nail.Entry),
	}
}

func (r *Registry) Catalog() *Catalog { return r.catalog }

// SetAllowDirect enables or disables resolving entry points by canonical name when no alias matches.
func (r *Registry) SetAllowDirect(allow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowDirect = allow
}

func (r *Registry) AllowDirect() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowDirect
}

// Register adds or replaces an alias.
func (r *Registry) Register(name string, entry *nail.Entry, description string) error {
	name = strings.TrimSpace(name)
	if name == "" || entry == nil {
		return ErrInvalidAlias
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[name] = Alias{Name: name, Description: description, Entry: entry}
	return nil
}

// RegisterCanonical adds or replaces an alias pointing at the catalog entry with the given canonical name.
func (r *Registry) RegisterCanonical(name, canonical, description string) error {
	entry, err := r.lookupCanonical(canonical)
	if err != nil {
		return err
	}
	return r.Register(name, entry, description)
}

// Unregister removes an alias, reporting whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.aliases[name]
	delete(r.aliases, name)
	return ok
}

// Alias returns the alias registered under name.
func (r *Registry) Alias(name string) (Alias, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.aliases[name]
	return a, ok
}

// Resolve returns the entry point for name. Failures are *ResolutionError.
func (r *Registry) Resolve(name string) (*nail.Entry, error) {
	r.mu.RLock()
	alias, ok := r.aliases[name]
	allowDirect := r.allowDirect
	r.mu.RUnlock()
	if ok {
		return alias.Entry, nil
	}
	if !allowDirect {
		return nil, &ResolutionError{Name: name, Kind: NotFound}
	}
	return r.lookupCanonical(name)
}

// List returns all aliases ordered by name.
func (r *Registry) List() []Alias {
	r.mu.RLock()
	list := make([]Alias, 0, len(r.aliases))
	for _, a := range r.aliases {
		list = append(list, a)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Entries returns the distinct entry points referenced by aliases, ordered by canonical name.
func (r *Registry) Entries() []*nail.Entry {
	r.mu.RLock()
	seen := make(map[*nail.Entry]struct{}, len(r.aliases))
	entries := make([]*nail.Entry, 0, len(r.aliases))
	for _, a := range r.aliases {
		if _, ok := seen[a.Entry]; ok {
			continue
		}
		seen[a.Entry] = struct{}{}
		entries = append(entries, a.Entry)
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries
}

// lookupCanonical finds an entry by canonical name: aliased entries first, then previously loaded ones,
// then the catalog. Loaded entries are cached so a canonical name always yields the same entry.
func (r *Registry) lookupCanonical(name string) (*nail.Entry, error) {
	r.mu.RLock()
	if e, ok := r.loaded[name]; ok {
		r.mu.RUnlock()
		return e, nil
	}
	for _, a := range r.aliases {
		if a.Entry.Name() == name {
			r.mu.RUnlock()
			return a.Entry, nil
		}
	}
	r.mu.RUnlock()

	e, err := r.catalog.Load(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.loaded[name]; ok {
		return existing, nil
	}
	r.loaded[name] = e
	return e, nil
}
