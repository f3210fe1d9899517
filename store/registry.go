package store

import (
	"sync"

	"github.com/pkg/errors"
)

// Opener opens store by name.
type Opener func(name string) (Store, error)

// Registry shares opened stores between evictors of one process.
// Acquire returns a handle; the store is closed when the last handle is
// closed, or by Registry.Close, whichever comes first.
// Registry is owned by whoever constructs the evictors; there is no global one.
type Registry struct {
	open Opener

	mu     sync.Mutex
	stores map[string]*shared
	closed bool
}

type shared struct {
	Store
	refs int
}

func NewRegistry(open Opener) *Registry {
	return &Registry{
		open:   open,
		stores: make(map[string]*shared),
	}
}

// Acquire returns store opened by name, opening it on first use.
func (r *Registry) Acquire(name string) (Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s, ok := r.stores[name]
	if !ok {
		st, err := r.open(name)
		if err != nil {
			return nil, errors.Wrapf(err, "open store %q", name)
		}
		s = &shared{Store: st}
		r.stores[name] = s
	}
	s.refs++
	return &handle{Store: s.Store, name: name, registry: r}, nil
}

// Refs returns number of open handles for name.
func (r *Registry) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[name]; ok {
		return s.refs
	}
	return 0
}

// Close closes every store still open. Handles become invalid.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for name, s := range r.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close store %q", name)
		}
		delete(r.stores, name)
	}
	return firstErr
}

func (r *Registry) release(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[name]
	if !ok {
		return nil // Registry closed already.
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(r.stores, name)
	return errors.Wrapf(s.Close(), "close store %q", name)
}

type handle struct {
	Store
	name     string
	registry *Registry
	once     sync.Once
}

func (h *handle) Close() (err error) {
	h.once.Do(func() {
		err = h.registry.release(h.name)
	})
	return
}
