package wire

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// BackendKeyDataFn returns the process ID and secret key handed to the client
// inside the BackendKeyData message. Embedders may override the built-in
// cancel registry by providing their own key allocation.
type BackendKeyDataFn func(ctx context.Context) (processID, secretKey int32)

// CancelRequestFn handles an incoming cancel request targeting the connection
// identified by the given process ID and secret key.
type CancelRequestFn func(ctx context.Context, processID, secretKey int32) error

// CancelRegistry is the process-wide mapping of backend key data to the
// cancellation signal of the owning connection. Entries are registered once a
// connection is authenticated and removed at termination. Cancel requests
// arrive over separate connections and are resolved against the registry
// concurrently.
type CancelRegistry struct {
	mu      sync.RWMutex
	counter int32
	entries map[int32]*cancelEntry
}

type cancelEntry struct {
	secret int32
	signal context.CancelFunc
}

// NewCancelRegistry constructs a new empty cancel registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{
		entries: map[int32]*cancelEntry{},
	}
}

// Register allocates backend key data for a new connection and couples it to
// the given cancellation signal. Process IDs are allocated monotonically;
// secret keys are drawn from the cryptographic random source so they cannot
// be predicted by an unrelated client.
func (registry *CancelRegistry) Register(signal context.CancelFunc) (BackendKey, error) {
	var raw [4]byte
	_, err := rand.Read(raw[:])
	if err != nil {
		return BackendKey{}, err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.counter++
	key := BackendKey{
		ProcessID: registry.counter,
		SecretKey: int32(binary.BigEndian.Uint32(raw[:])),
	}

	registry.entries[key.ProcessID] = &cancelEntry{
		secret: key.SecretKey,
		signal: signal,
	}

	return key, nil
}

// Deregister removes the given backend key data from the registry. Cancel
// requests targeting the key are ignored from this point on.
func (registry *CancelRegistry) Deregister(key BackendKey) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	delete(registry.entries, key.ProcessID)
}

// Signal delivers a cancellation to the connection registered under the given
// process ID and secret key. The boolean return indicates whether a matching
// connection was found; unknown or mismatching keys are ignored silently, per
// protocol, so the registry cannot be used as an oracle.
func (registry *CancelRegistry) Signal(processID, secretKey int32) bool {
	registry.mu.RLock()
	entry, has := registry.entries[processID]
	registry.mu.RUnlock()

	if !has || entry.secret != secretKey {
		return false
	}

	entry.signal()
	return true
}
