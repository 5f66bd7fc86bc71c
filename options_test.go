package wire

import (
	"context"
	"strconv"
	"testing"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidOptions(t *testing.T) {
	tests := [][]OptionFn{
		{
			Parse(func(context.Context, string) (PreparedStatements, error) { return nil, nil }),
			SimpleQuery(func(context.Context, string, DataWriter, []Parameter) error { return nil }),
		},
		{
			SimpleQuery(func(context.Context, string, DataWriter, []Parameter) error { return nil }),
			Parse(func(context.Context, string) (PreparedStatements, error) { return nil, nil }),
		},
	}

	for index, test := range tests {
		t.Run(strconv.Itoa(index), func(t *testing.T) {
			srv := &Server{}
			for _, option := range test {
				err := option(srv)
				if err != nil {
					return
				}
			}

			t.Error("unexpected pass")
		})
	}
}

func TestSimpleQueryParameters(t *testing.T) {
	type test struct {
		query      string
		parameters []oid.Oid
	}

	tests := map[string]test{
		"positional": {
			query:      "SELECT * FROM users WHERE id = $1 AND age > $2",
			parameters: []oid.Oid{0, 0},
		},
		"unpositional": {
			query:      "SELECT * FROM users WHERE id = ? AND age > ?",
			parameters: []oid.Oid{0, 0},
		},
		"none": {
			query:      "SELECT * FROM users",
			parameters: []oid.Oid{},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			option := SimpleQuery(func(context.Context, string, DataWriter, []Parameter) error { return nil })

			srv := &Server{}
			err := option(srv)
			require.NoError(t, err)

			statements, err := srv.parse(context.Background(), test.query)
			require.NoError(t, err)
			require.Len(t, statements, 1)
			assert.Equal(t, test.parameters, statements[0].Parameters())
		})
	}
}

func TestServerDefaults(t *testing.T) {
	srv, err := NewServer(nil)
	require.NoError(t, err)

	assert.Equal(t, TLSPrefer, srv.RequireTLS)
	assert.NotNil(t, srv.types)
	assert.NotNil(t, srv.cancels)
	assert.NotEmpty(t, srv.Version)
}
