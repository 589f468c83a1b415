// Package service provides service registration and management.
package service

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry maps service names to their constructors. swayd fills it
// at startup via RegisterAll and the manager instantiates from it; the
// lock matters only because tests register concurrently.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
	}
}

// Register adds a named constructor. Names are unique; a second
// registration under the same name is rejected.
func (r *Registry) Register(name string, constructor Constructor) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if constructor == nil {
		return fmt.Errorf("constructor cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}
	r.constructors[name] = constructor
	return nil
}

// Constructor looks up the constructor registered under name.
func (r *Registry) Constructor(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	constructor, exists := r.constructors[name]
	return constructor, exists
}

// Services returns the registered names in sorted order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.constructors))
}

// Constructors returns a copy of the name-to-constructor map.
func (r *Registry) Constructors() map[string]Constructor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.constructors)
}
