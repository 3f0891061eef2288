// Package registry maps opaque handles to live engine objects for one snapshot generation.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/morezero/inspector-bridge/pkg/engine"
)

const logPrefix = "registry:registry"

// ErrNotFound is returned for handles that were never minted or belong to an older generation.
var ErrNotFound = errors.New("registry: handle not found")

// Registry is owned by the page context. Handles are valid only within the generation that
// minted them. Objects with a native identity get the same handle for every Register call in a
// generation; objects without one get a fresh handle each call.
type Registry struct {
	adapter   engine.Adapter
	newHandle func() string

	mu         sync.RWMutex
	generation uint64
	objects    map[string]any
	byIdentity map[string]string
}

// New creates an empty registry at generation 0.
func New(adapter engine.Adapter) *Registry {
	return &Registry{
		adapter:    adapter,
		newHandle:  uuid.NewString,
		objects:    make(map[string]any),
		byIdentity: make(map[string]string),
	}
}

// Register returns the handle for obj, minting one if needed.
func (r *Registry) Register(obj any) string {
	id, hasID := engine.SafeIdentity(r.adapter, obj)

	r.mu.Lock()
	defer r.mu.Unlock()
	if hasID {
		if h, ok := r.byIdentity[id]; ok {
			return h
		}
	}
	h := r.newHandle()
	r.objects[h] = obj
	if hasID {
		r.byIdentity[id] = h
	}
	return h
}

// Resolve returns the object behind handle.
func (r *Registry) Resolve(handle string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[handle]
	if !ok {
		return nil, fmt.Errorf("%s - %q in generation %d: %w", logPrefix, handle, r.generation, ErrNotFound)
	}
	return obj, nil
}

// NewGeneration drops every mapping and returns the new generation number.
func (r *Registry) NewGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := len(r.objects)
	r.objects = make(map[string]any)
	r.byIdentity = make(map[string]string)
	r.generation++
	slog.Debug(fmt.Sprintf("%s - Generation %d started, dropped %d handle(s)", logPrefix, r.generation, dropped))
	return r.generation
}

// Generation returns the current generation number.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
