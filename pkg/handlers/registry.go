package handlers

import (
	"errors"
	"fmt"
	"sync"
)

// Errors returned by the registry
var (
	ErrHandlerNotFound = errors.New("handler not found")
)

// registry implements the Registry interface.
type registry struct {
	handlers map[string]Descriptor
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() Registry {
	return &registry{
		handlers: make(map[string]Descriptor),
	}
}

// Register stores a descriptor. The last registration under a name wins, so
// a hot reload simply re-registers.
func (r *registry) Register(descriptor Descriptor) error {
	if descriptor.Name == "" {
		return fmt.Errorf("handler descriptor requires a name")
	}
	if descriptor.Execute == nil {
		return fmt.Errorf("handler %q requires an execute function", descriptor.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[descriptor.Name] = descriptor
	return nil
}

// Lookup returns a snapshot of the descriptor registered under name. The
// returned value is a copy; later registrations do not affect it.
func (r *registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptor, exists := r.handlers[name]
	if !exists {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}
	return descriptor, nil
}

// Remove deletes the descriptor registered under name, if present.
func (r *registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; !exists {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}
	delete(r.handlers, name)
	return nil
}

// List returns all registered handler names.
func (r *registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
