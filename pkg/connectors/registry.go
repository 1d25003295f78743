// Package connectors provides the target-system connector implementations
// and the registry that maps target-system names to live connectors.
package connectors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/provgate/provgate/pkg/engine"
)

// Registry is a thread-safe map of target-system names to connectors. It
// implements engine.ConnectorRegistry.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]engine.Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]engine.Connector)}
}

// Register adds a connector under the given target-system name. Registering
// the same name twice is a configuration error.
func (r *Registry) Register(name string, conn engine.Connector) error {
	if name == "" {
		return fmt.Errorf("connector name is required")
	}
	if conn == nil {
		return fmt.Errorf("connector %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("connector %s is already registered", name)
	}
	r.connectors[name] = conn
	return nil
}

// Resolve returns the connector registered under name.
func (r *Registry) Resolve(name string) (engine.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("no connector registered for target %s", name)
	}
	return conn, nil
}

// Names returns the registered target-system names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered connector that implements io.Closer and
// clears the registry. The first close error is returned.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, conn := range r.connectors {
		if closer, ok := conn.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing connector %s: %w", name, err)
			}
		}
	}
	r.connectors = make(map[string]engine.Connector)
	return firstErr
}
