package wire

import (
	"context"
	"regexp"

	"github.com/lib/pq/oid"
)

// ParseFn parses the given query and returns a prepared statement for each
// statement inside the query. The returned statements are executed lazily,
// whenever the client sends a execute or simple query command.
type ParseFn func(ctx context.Context, query string) (PreparedStatements, error)

// PreparedStatementFn executes a prepared statement using the given data
// writer and parameters. The statement is expected to write its rows to the
// given writer and announce its completion.
type PreparedStatementFn func(ctx context.Context, writer DataWriter, parameters []Parameter) error

// PreparedStatements represents a collection of prepared statements returned
// by the configured parse function.
type PreparedStatements []*PreparedStatement

// Prepared constructs a new prepared statements collection out of the given
// statements.
func Prepared(stmts ...*PreparedStatement) PreparedStatements {
	return stmts
}

// StatementOptionFn options pattern used to define options while constructing
// a new prepared statement.
type StatementOptionFn func(*PreparedStatement)

// WithColumns sets the columns returned by the given statement.
func WithColumns(columns Columns) StatementOptionFn {
	return func(stmt *PreparedStatement) {
		stmt.columns = columns
	}
}

// WithParameters sets the parameter types expected by the given statement.
func WithParameters(parameters []oid.Oid) StatementOptionFn {
	return func(stmt *PreparedStatement) {
		stmt.parameters = parameters
	}
}

// NewStatement constructs a new prepared statement for the given function.
func NewStatement(fn PreparedStatementFn, options ...StatementOptionFn) *PreparedStatement {
	stmt := &PreparedStatement{
		fn: fn,
	}

	for _, option := range options {
		option(stmt)
	}

	return stmt
}

// PreparedStatement represents a single parsed statement, its expected
// parameter types and the columns it returns. The zero parameter and column
// definitions announce a statement without parameters returning no rows.
type PreparedStatement struct {
	fn         PreparedStatementFn
	parameters []oid.Oid
	columns    Columns
}

// Parameters returns the parameter types expected by the statement.
func (stmt *PreparedStatement) Parameters() []oid.Oid {
	return stmt.parameters
}

// Columns returns the columns returned by the statement once executed.
func (stmt *PreparedStatement) Columns() Columns {
	return stmt.columns
}

// QueryParameters represents a regex which could be used to identify potential
// positional ($1) and unpositional (?) parameters within a SQL query.
var QueryParameters = regexp.MustCompile(`\$\d+|\?`)

// ParseParameters attempts to parse the parameters within the given query and
// returns the expected parameters. Parameter types are left unspecified (OID
// zero) as the actual types cannot be inferred from the query string alone.
func ParseParameters(query string) []oid.Oid {
	matches := QueryParameters.FindAllString(query, -1)
	return make([]oid.Oid, len(matches))
}
