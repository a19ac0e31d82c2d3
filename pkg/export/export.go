// Package export holds the named, pre-opened volumes a server makes
// available to NBD clients. An Export binds a driver kind and backend
// connection string to a live blockdriver.Driver handle; sessions look
// exports up by name (case-insensitively) during option negotiation
// and bind to one via NBD_OPT_GO.
package export

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/marmos91/nbdserver/pkg/blockdriver"
	"github.com/marmos91/nbdserver/pkg/objectstore"
)

// Export is a named volume, opened once at server start and shared by
// every session that binds to it.
type Export struct {
	Name        string
	Description string
	DriverKind  string
	Driver      blockdriver.Driver

	mu      sync.RWMutex
	inUse   int
	closing bool
}

// Acquire marks the export as in use by one more session. Registry.Close
// does not consult this count: it closes every driver immediately.
func (e *Export) Acquire() {
	e.mu.Lock()
	e.inUse++
	e.mu.Unlock()
}

// Release undoes a prior Acquire.
func (e *Export) Release() {
	e.mu.Lock()
	e.inUse--
	e.mu.Unlock()
}

// Size returns the bound driver's volume size in bytes.
func (e *Export) Size() uint64 { return e.Driver.VolumeSize() }

// SupportsTrim reports whether the bound driver advertises trim.
func (e *Export) SupportsTrim() bool { return e.Driver.SupportsTrim() }

// Registry is the set of exports a server makes available, looked up
// case-insensitively by name.
type Registry struct {
	mu      sync.RWMutex
	exports map[string]*Export
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{exports: make(map[string]*Export)}
}

// Add registers an export, failing if its name (case-insensitively)
// already exists.
func (r *Registry) Add(e *Export) error {
	key := strings.ToLower(e.Name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.exports[key]; exists {
		return fmt.Errorf("%w: export %q already registered", objectstore.ErrInvalidConfig, e.Name)
	}
	r.exports[key] = e
	return nil
}

// Lookup finds an export by case-insensitive name. The empty string is
// treated as the conventional "default" export name, matching clients
// that send no export name at all.
func (r *Registry) Lookup(name string) (*Export, bool) {
	if name == "" {
		name = "default"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exports[strings.ToLower(name)]
	return e, ok
}

// All returns every registered export, for use by CLI listing and
// shutdown.
func (r *Registry) All() []*Export {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Export, 0, len(r.exports))
	for _, e := range r.exports {
		out = append(out, e)
	}
	return out
}

// Close closes every export's driver, returning the first error
// encountered but attempting to close all of them regardless.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	exports := make([]*Export, 0, len(r.exports))
	for _, e := range r.exports {
		exports = append(exports, e)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, e := range exports {
		if err := e.Driver.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
