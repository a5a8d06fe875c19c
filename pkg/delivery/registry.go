// Package delivery fans admitted log entries out to destinations.
package delivery

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnirelay/pkg/types"
)

var (
	// ErrNilDestination is returned when registering a nil destination.
	ErrNilDestination = errors.New("nil destination")
	// ErrDuplicateDestination is returned when a name is registered twice.
	ErrDuplicateDestination = errors.New("destination already registered")
)

// Registry holds destinations by name, in registration order.
type Registry struct {
	mu    sync.RWMutex
	dests map[string]types.Destination
	order []string
}

// NewRegistry creates a registry holding dests.
func NewRegistry(dests ...types.Destination) (*Registry, error) {
	r := &Registry{dests: make(map[string]types.Destination)}
	for _, d := range dests {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers dest under its name.
func (r *Registry) Add(dest types.Destination) error {
	if dest == nil {
		return ErrNilDestination
	}
	name := dest.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.dests[name]; exists {
		return errors.Wrap(ErrDuplicateDestination, name)
	}
	r.dests[name] = dest
	r.order = append(r.order, name)
	return nil
}

// Remove unregisters a destination. It reports whether it was present.
// The destination is not closed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.dests[name]; !exists {
		return false
	}
	delete(r.dests, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the destination registered under name.
func (r *Registry) Get(name string) (types.Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dests[name]
	return d, ok
}

// Enabled returns the currently enabled destinations.
func (r *Registry) Enabled() []types.Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Destination, 0, len(r.order))
	for _, name := range r.order {
		if d := r.dests[name]; d.IsEnabled() {
			out = append(out, d)
		}
	}
	return out
}

// All returns every registered destination.
func (r *Registry) All() []types.Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Destination, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.dests[name])
	}
	return out
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered destinations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
