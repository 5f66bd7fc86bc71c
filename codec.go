package wire

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/shopspring/decimal"
)

// NewTypeMap constructs the default Postgres type map used to encode and
// decode values on a connection. It is the default pgx map, carrying codecs for
// the common scalar types and their one-dimensional arrays; no additional types
// are registered on it. Numeric values are converted from and to
// [decimal.Decimal] by [EncodeValue] and [DecodeValue], not by the map.
func NewTypeMap() *pgtype.Map {
	return pgtype.NewMap()
}

// EncodeValue encodes the given Go value into its wire representation for the
// given type and format code. A nil source value represents the SQL NULL and
// is returned as a nil byte slice which has to be written as the length -1.
func EncodeValue(tm *pgtype.Map, t oid.Oid, format FormatCode, src any) ([]byte, error) {
	if src == nil {
		return nil, nil
	}

	if value, ok := src.(decimal.Decimal); ok {
		src = numericValue(value)
	}

	value, err := tm.Encode(uint32(t), int16(format), src, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to encode value %v as %d: %w", src, t, err)
	}

	return value, nil
}

// DecodeValue decodes the given wire representation into a Go value for the
// given type and format code. A nil value represents the SQL NULL.
func DecodeValue(tm *pgtype.Map, t oid.Oid, format FormatCode, value []byte) (any, error) {
	if value == nil {
		return nil, nil
	}

	if t == oid.T_numeric {
		return decodeNumeric(tm, format, value)
	}

	typed, has := tm.TypeForOID(uint32(t))
	if !has {
		return nil, fmt.Errorf("unknown data type: %d", t)
	}

	return typed.Codec.DecodeValue(tm, typed.OID, int16(format), value)
}

// numericValue converts the given decimal into the pgtype numeric
// representation understood by the type map. The conversion goes through the
// decimal text form which is exact.
func numericValue(value decimal.Decimal) pgtype.Numeric {
	var numeric pgtype.Numeric
	// NOTE: scanning the canonical text representation cannot fail.
	_ = numeric.Scan(value.String())
	return numeric
}

// decodeNumeric decodes a numeric wire value into a [decimal.Decimal]. Text
// values are parsed directly; binary values are first decoded through the
// numeric codec of the type map.
func decodeNumeric(tm *pgtype.Map, format FormatCode, value []byte) (any, error) {
	if format == TextFormat {
		parsed, err := decimal.NewFromString(string(value))
		if err != nil {
			return nil, err
		}

		return parsed, nil
	}

	typed, has := tm.TypeForOID(pgtype.NumericOID)
	if !has {
		return nil, fmt.Errorf("numeric type is not registered inside the given type map")
	}

	decoded, err := typed.Codec.DecodeValue(tm, typed.OID, int16(format), value)
	if err != nil {
		return nil, err
	}

	numeric, ok := decoded.(pgtype.Numeric)
	if !ok {
		return nil, fmt.Errorf("unexpected numeric representation: %T", decoded)
	}

	text, err := numeric.Value()
	if err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(text.(string))
	if err != nil {
		return nil, err
	}

	return parsed, nil
}
