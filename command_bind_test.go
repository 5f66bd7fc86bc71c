package wire

import (
	"testing"

	"github.com/lib/pq/oid"
	"github.com/neilotoole/slogt"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectErrorCode(t *testing.T, response message.ErrorResponse, code string) {
	t.Helper()

	fields := map[byte]string{}
	for _, field := range response.Fields {
		fields[field.Tag] = field.Value
	}

	assert.Equal(t, code, fields['C'])
}

// TestBindUnknownStatement asserts that binding against an unknown statement
// raises an undefined prepared statement error and enters the skip-until-sync
// substate.
func TestBindUnknownStatement(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TEchoParameter(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Bind(t, message.Bind{Portal: "p1", Statement: "unknown"})
	response := client.Expect(t, types.ServerErrorResponse).(message.ErrorResponse)
	expectErrorCode(t, response, "26000")

	// NOTE: the subsequent execute must be discarded without a reply.
	client.Execute(t, "p1", 0)
	client.Sync(t)
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
}

// TestBindParameterCountMismatch asserts that a bind message carrying a
// different amount of parameters than the statement declares is rejected.
func TestBindParameterCountMismatch(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TEchoParameter(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Parse(t, message.Parse{Name: "s1", Query: "SELECT $1::text", ParameterTypes: []oid.Oid{oid.T_text}})
	client.Expect(t, types.ServerParseComplete)

	client.Bind(t, message.Bind{Portal: "p1", Statement: "s1", Parameters: [][]byte{[]byte("a"), []byte("b")}})
	response := client.Expect(t, types.ServerErrorResponse).(message.ErrorResponse)
	expectErrorCode(t, response, "08P01")

	client.Sync(t)
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
}

// TestBindUnnamedPortalReplacement asserts that the unnamed portal is
// replaced on every bind and destroyed at the next sync.
func TestBindUnnamedPortalReplacement(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TEchoParameter(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Parse(t, message.Parse{Name: "s1", Query: "SELECT $1::text", ParameterTypes: []oid.Oid{oid.T_text}})
	client.Expect(t, types.ServerParseComplete)

	client.Bind(t, message.Bind{Portal: "", Statement: "s1", Parameters: [][]byte{[]byte("first")}})
	client.Expect(t, types.ServerBindComplete)

	client.Bind(t, message.Bind{Portal: "", Statement: "s1", Parameters: [][]byte{[]byte("second")}})
	client.Expect(t, types.ServerBindComplete)

	client.Execute(t, "", 0)
	row := client.Expect(t, types.ServerDataRow).(message.DataRow)
	assert.Equal(t, "second", string(row.Values[0]))
	client.Expect(t, types.ServerCommandComplete)

	client.Sync(t)
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))

	// NOTE: the unnamed portal has been destroyed by the sync message while
	// the named statement remains addressable.
	client.Execute(t, "", 0)
	response := client.Expect(t, types.ServerErrorResponse).(message.ErrorResponse)
	expectErrorCode(t, response, "34000")

	client.Sync(t)
	assert.Equal(t, types.ServerIdle, client.ReadyForQuery(t))
}

// TestBindNullParameter asserts that the NULL sentinel inside a bind message
// reaches the handler as a nil parameter value.
func TestBindNullParameter(t *testing.T) {
	t.Parallel()

	server, err := NewServer(TEchoParameter(t), Logger(slogt.New(t)))
	require.NoError(t, err)

	client := TConnect(t, server)
	defer client.Close(t)

	client.Parse(t, message.Parse{Name: "s1", Query: "SELECT $1::text", ParameterTypes: []oid.Oid{oid.T_text}})
	client.Expect(t, types.ServerParseComplete)

	client.Bind(t, message.Bind{Portal: "p1", Statement: "s1", Parameters: [][]byte{nil}})
	client.Expect(t, types.ServerBindComplete)

	client.Execute(t, "p1", 0)
	row := client.Expect(t, types.ServerDataRow).(message.DataRow)
	require.Len(t, row.Values, 1)
	assert.Nil(t, row.Values[0])

	client.Expect(t, types.ServerCommandComplete)
	client.Sync(t)
	client.ReadyForQuery(t)
}
