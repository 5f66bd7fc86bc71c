package wire

import (
	"context"
	"sync"
)

// StatementCache represents the prepared statements bound to a single client
// connection. The empty name addresses the unnamed statement slot which is
// replaced on every use; any other name persists until it is explicitly
// closed or the connection terminates.
type StatementCache interface {
	// Set binds the given statement to the given name. Any previously
	// defined statement under the same name is replaced silently.
	Set(ctx context.Context, name string, stmt *PreparedStatement) error
	// Get returns the prepared statement stored under the given name. Nil is
	// returned when no statement has been stored.
	Get(ctx context.Context, name string) (*PreparedStatement, error)
	// Remove removes the statement stored under the given name. Removing an
	// unknown name is not an error.
	Remove(ctx context.Context, name string) error
	// Clear removes all stored statements.
	Clear(ctx context.Context) error
}

// PortalCache represents the bound portals of a single client connection. A
// portal holds a shared reference to its parent statement; replacing or
// removing the statement invalidates the dependent portals.
type PortalCache interface {
	// Bind stores the given portal under the given name. Any previously
	// defined portal under the same name is replaced silently.
	Bind(ctx context.Context, name string, portal *Portal) error
	// Get returns the portal stored under the given name. Nil is returned
	// when no portal has been stored.
	Get(ctx context.Context, name string) (*Portal, error)
	// Remove removes the portal stored under the given name.
	Remove(ctx context.Context, name string) error
	// Invalidate removes every portal bound against the statement stored
	// under the given statement name.
	Invalidate(ctx context.Context, statement string) error
	// Clear removes all stored portals.
	Clear(ctx context.Context) error
}

// Portal represents a bound, executable instance of a prepared statement
// holding the parameter values and result formats of a single bind.
type Portal struct {
	Statement     *PreparedStatement
	StatementName string
	Parameters    []Parameter
	Formats       []FormatCode

	// suspended holds the amount of rows already delivered to the client by
	// previous executions of the portal with a row limit.
	suspended uint64
}

// DefaultStatementCache keeps the prepared statements of a connection in
// memory. The cache is owned by a single connection and does not require
// locking; the mutex guards against misuse by embedders sharing a cache.
type DefaultStatementCache struct {
	statements map[string]*PreparedStatement
	mu         sync.RWMutex
}

// Set binds the given statement to the given name. Any previously defined
// statement is overridden.
func (cache *DefaultStatementCache) Set(ctx context.Context, name string, stmt *PreparedStatement) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.statements == nil {
		cache.statements = map[string]*PreparedStatement{}
	}

	cache.statements[name] = stmt
	return nil
}

// Get attempts to get the prepared statement for the given name. Nil is
// returned when no statement has been found.
func (cache *DefaultStatementCache) Get(ctx context.Context, name string) (*PreparedStatement, error) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	if cache.statements == nil {
		return nil, nil
	}

	return cache.statements[name], nil
}

// Remove removes the statement stored under the given name.
func (cache *DefaultStatementCache) Remove(ctx context.Context, name string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	delete(cache.statements, name)
	return nil
}

// Clear removes all stored statements.
func (cache *DefaultStatementCache) Clear(ctx context.Context) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cache.statements = nil
	return nil
}

// DefaultPortalCache keeps the bound portals of a connection in memory.
type DefaultPortalCache struct {
	portals map[string]*Portal
	mu      sync.RWMutex
}

// Bind stores the given portal under the given name. Any previously bound
// portal is overridden.
func (cache *DefaultPortalCache) Bind(ctx context.Context, name string, portal *Portal) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if cache.portals == nil {
		cache.portals = map[string]*Portal{}
	}

	cache.portals[name] = portal
	return nil
}

// Get attempts to get the portal for the given name. Nil is returned when no
// portal has been found.
func (cache *DefaultPortalCache) Get(ctx context.Context, name string) (*Portal, error) {
	cache.mu.RLock()
	defer cache.mu.RUnlock()

	if cache.portals == nil {
		return nil, nil
	}

	return cache.portals[name], nil
}

// Remove removes the portal stored under the given name.
func (cache *DefaultPortalCache) Remove(ctx context.Context, name string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	delete(cache.portals, name)
	return nil
}

// Invalidate removes every portal bound against the statement stored under
// the given statement name. Portals hold shared, non-owning references to
// their parent statement; closing or replacing the statement has to
// invalidate the dependents synchronously.
func (cache *DefaultPortalCache) Invalidate(ctx context.Context, statement string) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	for name, portal := range cache.portals {
		if portal.StatementName == statement {
			delete(cache.portals, name)
		}
	}

	return nil
}

// Clear removes all stored portals.
func (cache *DefaultPortalCache) Clear(ctx context.Context) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	cache.portals = nil
	return nil
}
