package wire

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/lib/pq/oid"
	"github.com/neilotoole/slogt"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/mock"
	"github.com/pgforge/wire/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TConnect opens a raw mock client connection towards the given server and
// performs the startup and trust authentication exchange.
func TConnect(t *testing.T, server *Server) *mock.Client {
	address := TListenAndServe(t, server)

	conn, err := net.Dial("tcp", address.String())
	if err != nil {
		t.Fatal(err)
	}

	client := mock.NewClient(t, conn)
	client.Handshake(t)
	client.Authenticate(t)
	client.ReadyForQuery(t)
	return client
}

// TSelectOne constructs a parse function serving "SELECT 1" style queries
// returning a single int4 column.
func TSelectOne(t *testing.T) ParseFn {
	return func(ctx context.Context, query string) (PreparedStatements, error) {
		handle := func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
			err := writer.Row([]any{int32(1)})
			if err != nil {
				return err
			}

			return writer.Complete("SELECT 1")
		}

		columns := Columns{
			{
				Name:  "?column?",
				Oid:   oid.T_int4,
				Width: 4,
			},
		}

		return Prepared(NewStatement(handle, WithColumns(columns))), nil
	}
}

// TestSimpleQuery asserts the full trust startup and simple query flow: the
// server replies with a row description, the data rows, a command complete
// tag and finally a ready for query carrying the idle transaction status.
func TestSimpleQuery(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TSelectOne(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Query(t, "SELECT 1")

	described := client.Expect(t, types.ServerRowDescription).(message.RowDescription)
	require.Len(t, described.Columns, 1)
	assert.Equal(t, "?column?", described.Columns[0].Name)
	assert.Equal(t, oid.T_int4, described.Columns[0].TypeOID)

	row := client.Expect(t, types.ServerDataRow).(message.DataRow)
	require.Len(t, row.Values, 1)
	assert.Equal(t, "1", string(row.Values[0]))

	complete := client.Expect(t, types.ServerCommandComplete).(message.CommandComplete)
	assert.Equal(t, "SELECT 1", complete.Tag)

	status := client.ReadyForQuery(t)
	assert.Equal(t, types.ServerIdle, status)
}

func TestSimpleQueryEmpty(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TSelectOne(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Query(t, "  \t ")
	client.Expect(t, types.ServerEmptyQuery)

	status := client.ReadyForQuery(t)
	assert.Equal(t, types.ServerIdle, status)
}

// TestSimpleQueryBatchError asserts that an error stops the processing of the
// remaining statements inside a simple query batch.
func TestSimpleQueryBatchError(t *testing.T) {
	t.Parallel()

	executed := make(chan string, 8)
	parse := func(ctx context.Context, query string) (PreparedStatements, error) {
		first := NewStatement(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
			executed <- "first"
			return writer.Complete("SELECT 0")
		})

		second := NewStatement(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
			executed <- "second"
			return errors.New("broken statement")
		})

		third := NewStatement(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
			executed <- "third"
			return writer.Complete("SELECT 0")
		})

		return Prepared(first, second, third), nil
	}

	server, err := NewServer(parse, Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Query(t, "SELECT 0; BROKEN; SELECT 0")

	client.Expect(t, types.ServerCommandComplete)
	client.Expect(t, types.ServerErrorResponse)

	status := client.ReadyForQuery(t)
	assert.Equal(t, types.ServerIdle, status)

	assert.Equal(t, "first", <-executed)
	assert.Equal(t, "second", <-executed)

	select {
	case name := <-executed:
		t.Fatalf("unexpected statement execution: %s", name)
	default:
	}
}

// TestTransactionStatus asserts that transaction markers reported by the
// handler are reflected inside subsequent ready for query messages, and that
// an error inside a transaction moves the block into the failed state.
func TestTransactionStatus(t *testing.T) {
	t.Parallel()

	parse := func(ctx context.Context, query string) (PreparedStatements, error) {
		handle := func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
			switch query {
			case "BEGIN":
				writer.StartTransaction()
				return writer.Complete("BEGIN")
			case "COMMIT":
				writer.EndTransaction()
				return writer.Complete("COMMIT")
			default:
				return errors.New("broken statement")
			}
		}

		return Prepared(NewStatement(handle)), nil
	}

	server, err := NewServer(parse, Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Query(t, "BEGIN")
	client.Expect(t, types.ServerCommandComplete)
	assert.Equal(t, types.ServerTransaction, client.ReadyForQuery(t))

	client.Query(t, "BROKEN")
	client.Expect(t, types.ServerErrorResponse)
	assert.Equal(t, types.ServerTransactionFailed, client.ReadyForQuery(t))

	client.Query(t, "COMMIT")
	client.Expect(t, types.ServerCommandComplete)
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
}

// TestHandlerPanic asserts that a panicking handler is converted into a fatal
// internal error response instead of tearing down the listener.
func TestHandlerPanic(t *testing.T) {
	t.Parallel()

	parse := func(ctx context.Context, query string) (PreparedStatements, error) {
		handle := func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
			panic("handler exploded")
		}

		return Prepared(NewStatement(handle)), nil
	}

	server, err := NewServer(parse, Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)

	client.Query(t, "SELECT 1")
	response := client.Expect(t, types.ServerErrorResponse).(message.ErrorResponse)

	fields := map[byte]string{}
	for _, field := range response.Fields {
		fields[field.Tag] = field.Value
	}

	assert.Equal(t, "XX000", fields['C'])
	assert.Equal(t, "FATAL", fields['S'])
}

// TestStatementWithoutColumns asserts that statements which do not return a
// row set reply with a command complete tag only.
func TestStatementWithoutColumns(t *testing.T) {
	t.Parallel()

	parse := func(ctx context.Context, query string) (PreparedStatements, error) {
		handle := func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
			return writer.Complete("INSERT 0 1")
		}

		return Prepared(NewStatement(handle)), nil
	}

	server, err := NewServer(parse, Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Query(t, "INSERT INTO users VALUES (1)")

	complete := client.Expect(t, types.ServerCommandComplete).(message.CommandComplete)
	assert.Equal(t, "INSERT 0 1", complete.Tag)

	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
}
