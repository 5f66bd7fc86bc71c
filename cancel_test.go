package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/mock"
	"github.com/pgforge/wire/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelRegistry(t *testing.T) {
	t.Parallel()

	registry := NewCancelRegistry()

	delivered := make(chan struct{}, 1)
	key, err := registry.Register(func() { delivered <- struct{}{} })
	require.NoError(t, err)
	require.NotZero(t, key.ProcessID)

	// mismatching secret keys are ignored silently
	assert.False(t, registry.Signal(key.ProcessID, key.SecretKey+1))
	assert.False(t, registry.Signal(key.ProcessID+1, key.SecretKey))
	select {
	case <-delivered:
		t.Fatal("unexpected cancel delivery")
	default:
	}

	assert.True(t, registry.Signal(key.ProcessID, key.SecretKey))
	<-delivered

	registry.Deregister(key)
	assert.False(t, registry.Signal(key.ProcessID, key.SecretKey))
}

func TestCancelRegistryMonotonicProcessIDs(t *testing.T) {
	t.Parallel()

	registry := NewCancelRegistry()

	first, err := registry.Register(func() {})
	require.NoError(t, err)

	second, err := registry.Register(func() {})
	require.NoError(t, err)

	assert.Greater(t, second.ProcessID, first.ProcessID)
}

// TSlowQuery constructs a parse function whose statement blocks until the
// given channel is signalled or the query is cancelled.
func TSlowQuery(t *testing.T, started chan<- struct{}, unblock <-chan struct{}) ParseFn {
	return func(ctx context.Context, query string) (PreparedStatements, error) {
		handle := func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
			started <- struct{}{}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-unblock:
				return writer.Complete("SELECT 0")
			}
		}

		return Prepared(NewStatement(handle)), nil
	}
}

// TestCancelRequest asserts that a cancel request over a second connection
// aborts the in-flight query of the targeted connection with a query
// canceled error, after which the connection remains usable.
func TestCancelRequest(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 4)
	unblock := make(chan struct{}, 4)

	server, err := NewServer(TSlowQuery(t, started, unblock), Logger(slogt.New(t)))
	require.NoError(t, err)

	address := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", address.String())
	require.NoError(t, err)

	client := mock.NewClient(t, conn)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)
	require.NotZero(t, client.Key.ProcessID)

	client.Query(t, "SELECT pg_sleep(3600)")
	<-started

	cancel, err := net.Dial("tcp", address.String())
	require.NoError(t, err)

	canceller := mock.NewClient(t, cancel)
	canceller.Cancel(t, client.Key.ProcessID, client.Key.SecretKey)

	response := client.Expect(t, types.ServerErrorResponse).(message.ErrorResponse)
	expectErrorCode(t, response, "57014")
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))

	// the connection remains usable after the cancellation
	client.Query(t, "SELECT 0")
	<-started
	unblock <- struct{}{}
	client.Expect(t, types.ServerCommandComplete)
	client.ReadyForQuery(t)

	client.Close(t)
}

// TestCancelRequestUnknownKey asserts that a cancel request carrying an
// unknown secret key has no effect and produces no reply.
func TestCancelRequestUnknownKey(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 4)
	unblock := make(chan struct{}, 4)

	server, err := NewServer(TSlowQuery(t, started, unblock), Logger(slogt.New(t)))
	require.NoError(t, err)

	address := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", address.String())
	require.NoError(t, err)

	client := mock.NewClient(t, conn)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)

	client.Query(t, "SELECT pg_sleep(3600)")
	<-started

	cancel, err := net.Dial("tcp", address.String())
	require.NoError(t, err)

	canceller := mock.NewClient(t, cancel)
	canceller.Cancel(t, client.Key.ProcessID, 0)

	// the query is unaffected by the unknown key and completes normally
	// once unblocked.
	select {
	case unblock <- struct{}{}:
	case <-time.After(time.Second):
		t.Fatal("handler is no longer waiting")
	}

	client.Expect(t, types.ServerCommandComplete)
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))

	client.Close(t)
}

// TestBackendKeyDataOverride asserts that the embedder supplied key data and
// cancel hooks take precedence over the built-in registry.
func TestBackendKeyDataOverride(t *testing.T) {
	t.Parallel()

	requests := make(chan [2]int32, 1)

	server, err := NewServer(TSelectOne(t), Logger(slogt.New(t)),
		BackendKeyData(func(ctx context.Context) (int32, int32) {
			return 42, 1337
		}),
		CancelRequest(func(ctx context.Context, processID, secretKey int32) error {
			requests <- [2]int32{processID, secretKey}
			return nil
		}),
	)
	require.NoError(t, err)

	address := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", address.String())
	require.NoError(t, err)

	client := mock.NewClient(t, conn)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)

	assert.Equal(t, int32(42), client.Key.ProcessID)
	assert.Equal(t, int32(1337), client.Key.SecretKey)

	cancel, err := net.Dial("tcp", address.String())
	require.NoError(t, err)

	canceller := mock.NewClient(t, cancel)
	canceller.Cancel(t, 42, 1337)

	received := <-requests
	assert.Equal(t, [2]int32{42, 1337}, received)

	client.Close(t)
}
