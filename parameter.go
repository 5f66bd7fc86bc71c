package wire

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
)

// NewParameter constructs a new parameter out of the given raw value and
// format code as received inside a bind message.
func NewParameter(format FormatCode, value []byte) Parameter {
	return Parameter{
		format: format,
		value:  value,
	}
}

// Parameter represents a single bound parameter value together with the
// format code it has been encoded with. A nil value represents the SQL NULL.
type Parameter struct {
	format FormatCode
	value  []byte
}

// Format returns the format code the parameter value has been encoded with.
func (p Parameter) Format() FormatCode {
	return p.format
}

// Value returns the raw parameter value as received on the wire.
func (p Parameter) Value() []byte {
	return p.value
}

// Scan decodes the parameter into a Go value using the given type map and the
// declared parameter type.
func (p Parameter) Scan(tm *pgtype.Map, t oid.Oid) (any, error) {
	return DecodeValue(tm, t, p.format, p.value)
}
