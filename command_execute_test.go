package wire

import (
	"context"
	"testing"

	"github.com/lib/pq/oid"
	"github.com/neilotoole/slogt"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TNumbers constructs a parse function serving a statement returning the
// numbers one through five as single-column rows.
func TNumbers(t *testing.T) ParseFn {
	return func(ctx context.Context, query string) (PreparedStatements, error) {
		handle := func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
			for i := int32(1); i <= 5; i++ {
				err := writer.Row([]any{i})
				if err != nil {
					return err
				}
			}

			return writer.Complete("SELECT 5")
		}

		columns := Columns{
			{
				Name:  "n",
				Oid:   oid.T_int4,
				Width: 4,
			},
		}

		return Prepared(NewStatement(handle, WithColumns(columns))), nil
	}
}

// TestExecuteUnknownPortal asserts that executing an unknown portal raises an
// undefined cursor error.
func TestExecuteUnknownPortal(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TNumbers(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Execute(t, "unknown", 0)
	response := client.Expect(t, types.ServerErrorResponse).(message.ErrorResponse)
	expectErrorCode(t, response, "34000")

	client.Sync(t)
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
}

// TestExecuteRowLimit asserts that an execute message carrying a row limit
// suspends the portal once the limit has been reached and that subsequent
// executes resume after the delivered rows.
func TestExecuteRowLimit(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TNumbers(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Parse(t, message.Parse{Name: "s1", Query: "SELECT n FROM numbers"})
	client.Expect(t, types.ServerParseComplete)

	client.Bind(t, message.Bind{Portal: "p1", Statement: "s1"})
	client.Expect(t, types.ServerBindComplete)

	// first execution delivers the rows one and two before suspending
	client.Execute(t, "p1", 2)
	for _, expected := range []string{"1", "2"} {
		row := client.Expect(t, types.ServerDataRow).(message.DataRow)
		assert.Equal(t, expected, string(row.Values[0]))
	}
	client.Expect(t, types.ServerPortalSuspended)

	// the suspended portal resumes after the delivered rows
	client.Execute(t, "p1", 2)
	for _, expected := range []string{"3", "4"} {
		row := client.Expect(t, types.ServerDataRow).(message.DataRow)
		assert.Equal(t, expected, string(row.Values[0]))
	}
	client.Expect(t, types.ServerPortalSuspended)

	// an unbounded execute drains the remaining rows and completes
	client.Execute(t, "p1", 0)
	row := client.Expect(t, types.ServerDataRow).(message.DataRow)
	assert.Equal(t, "5", string(row.Values[0]))

	complete := client.Expect(t, types.ServerCommandComplete).(message.CommandComplete)
	assert.Equal(t, "SELECT 5", complete.Tag)

	client.Sync(t)
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
}

// TestExecuteExactLimit asserts that a result which is fully produced within
// the row limit completes instead of suspending.
func TestExecuteExactLimit(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TNumbers(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Parse(t, message.Parse{Name: "s1", Query: "SELECT n FROM numbers"})
	client.Expect(t, types.ServerParseComplete)

	client.Bind(t, message.Bind{Portal: "p1", Statement: "s1"})
	client.Expect(t, types.ServerBindComplete)

	client.Execute(t, "p1", 10)
	for i := 0; i < 5; i++ {
		client.Expect(t, types.ServerDataRow)
	}

	complete := client.Expect(t, types.ServerCommandComplete).(message.CommandComplete)
	assert.Equal(t, "SELECT 5", complete.Tag)

	client.Sync(t)
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
}

// TestClosePortal asserts that closing a portal removes it while the
// statement remains addressable.
func TestClosePortal(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TNumbers(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Parse(t, message.Parse{Name: "s1", Query: "SELECT n FROM numbers"})
	client.Expect(t, types.ServerParseComplete)

	client.Bind(t, message.Bind{Portal: "p1", Statement: "s1"})
	client.Expect(t, types.ServerBindComplete)

	client.ClosePortal(t, "p1")
	client.Expect(t, types.ServerCloseComplete)

	client.Execute(t, "p1", 0)
	response := client.Expect(t, types.ServerErrorResponse).(message.ErrorResponse)
	expectErrorCode(t, response, "34000")

	client.Sync(t)
	client.ReadyForQuery(t)

	// the statement survived the portal close
	client.Bind(t, message.Bind{Portal: "p2", Statement: "s1"})
	client.Expect(t, types.ServerBindComplete)

	client.Sync(t)
	client.ReadyForQuery(t)
}

// TestCloseStatementInvalidatesPortals asserts that closing a statement
// removes the statement and every portal bound against it.
func TestCloseStatementInvalidatesPortals(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TNumbers(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Parse(t, message.Parse{Name: "s1", Query: "SELECT n FROM numbers"})
	client.Expect(t, types.ServerParseComplete)

	client.Bind(t, message.Bind{Portal: "p1", Statement: "s1"})
	client.Expect(t, types.ServerBindComplete)

	client.CloseStatement(t, "s1")
	client.Expect(t, types.ServerCloseComplete)

	client.Execute(t, "p1", 0)
	response := client.Expect(t, types.ServerErrorResponse).(message.ErrorResponse)
	expectErrorCode(t, response, "34000")

	client.Sync(t)
	client.ReadyForQuery(t)
}
