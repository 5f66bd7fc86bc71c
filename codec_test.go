package wire

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeTextValues asserts that the text encoding of common scalar values
// matches the exact output produced by libpq.
func TestEncodeTextValues(t *testing.T) {
	tm := NewTypeMap()

	tests := map[string]struct {
		oid      oid.Oid
		value    any
		expected string
	}{
		"true":      {oid: oid.T_bool, value: true, expected: "t"},
		"false":     {oid: oid.T_bool, value: false, expected: "f"},
		"int2":      {oid: oid.T_int2, value: int16(42), expected: "42"},
		"int4":      {oid: oid.T_int4, value: int32(-1), expected: "-1"},
		"int8":      {oid: oid.T_int8, value: int64(1 << 62), expected: "4611686018427387904"},
		"float8":    {oid: oid.T_float8, value: float64(3.5), expected: "3.5"},
		"text":      {oid: oid.T_text, value: "hello", expected: "hello"},
		"varchar":   {oid: oid.T_varchar, value: "hello", expected: "hello"},
		"bytea":     {oid: oid.T_bytea, value: []byte{0x68, 0x69}, expected: "\\x6869"},
		"int array": {oid: oid.T__int4, value: []int32{1, 2, 3}, expected: "{1,2,3}"},
		"text array quoting": {
			oid:      oid.T__text,
			value:    []string{"plain", "with,comma", `with"quote`},
			expected: `{plain,"with,comma","with\"quote"}`,
		},
		"numeric": {oid: oid.T_numeric, value: decimal.RequireFromString("256.23"), expected: "256.23"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			encoded, err := EncodeValue(tm, test.oid, TextFormat, test.value)
			require.NoError(t, err)
			assert.Equal(t, test.expected, string(encoded))
		})
	}
}

// TestNullValueEncoding asserts that the SQL NULL is represented as a nil
// byte slice, encoded as the length sentinel -1, never as an empty string.
func TestNullValueEncoding(t *testing.T) {
	tm := NewTypeMap()

	encoded, err := EncodeValue(tm, oid.T_text, TextFormat, nil)
	require.NoError(t, err)
	assert.Nil(t, encoded)

	decoded, err := DecodeValue(tm, oid.T_text, TextFormat, nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

// TestTextRoundTrip asserts that text-formatted values survive a
// decode-encode cycle without change.
func TestTextRoundTrip(t *testing.T) {
	tm := NewTypeMap()

	tests := map[string]struct {
		oid  oid.Oid
		text string
	}{
		"bool":      {oid: oid.T_bool, text: "t"},
		"int4":      {oid: oid.T_int4, text: "42"},
		"int8":      {oid: oid.T_int8, text: "-9223372036854775808"},
		"float8":    {oid: oid.T_float8, text: "3.5"},
		"text":      {oid: oid.T_text, text: "hello world"},
		"bytea":     {oid: oid.T_bytea, text: "\\xdeadbeef"},
		"date":      {oid: oid.T_date, text: "2024-03-01"},
		"timestamp": {oid: oid.T_timestamp, text: "2024-03-01 12:30:45"},
		"numeric":   {oid: oid.T_numeric, text: "1234.5678"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			decoded, err := DecodeValue(tm, test.oid, TextFormat, []byte(test.text))
			require.NoError(t, err)

			encoded, err := EncodeValue(tm, test.oid, TextFormat, decoded)
			require.NoError(t, err)
			assert.Equal(t, test.text, string(encoded))
		})
	}
}

// TestBinaryRoundTrip asserts that binary-formatted values survive a
// decode-encode cycle without change.
func TestBinaryRoundTrip(t *testing.T) {
	tm := NewTypeMap()

	tests := map[string]struct {
		oid   oid.Oid
		value any
	}{
		"bool":    {oid: oid.T_bool, value: true},
		"int2":    {oid: oid.T_int2, value: int16(42)},
		"int4":    {oid: oid.T_int4, value: int32(-42)},
		"int8":    {oid: oid.T_int8, value: int64(1) << 40},
		"float4":  {oid: oid.T_float4, value: float32(1.5)},
		"float8":  {oid: oid.T_float8, value: float64(-2.25)},
		"text":    {oid: oid.T_text, value: "hello"},
		"bytea":   {oid: oid.T_bytea, value: []byte{0x00, 0x01, 0x02}},
		"numeric": {oid: oid.T_numeric, value: decimal.RequireFromString("256.23")},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			encoded, err := EncodeValue(tm, test.oid, BinaryFormat, test.value)
			require.NoError(t, err)

			decoded, err := DecodeValue(tm, test.oid, BinaryFormat, encoded)
			require.NoError(t, err)

			reencoded, err := EncodeValue(tm, test.oid, BinaryFormat, decoded)
			require.NoError(t, err)
			assert.Equal(t, encoded, reencoded)
		})
	}
}

// TestNumericDecimalRoundTrip asserts that numeric values round-trip through
// the decimal representation in both wire formats.
func TestNumericDecimalRoundTrip(t *testing.T) {
	tm := NewTypeMap()

	values := []string{"0", "1", "-1", "256.23", "-0.00001", "12345678901234567890.123456789"}
	for _, value := range values {
		t.Run(value, func(t *testing.T) {
			expected := decimal.RequireFromString(value)

			for _, format := range []FormatCode{TextFormat, BinaryFormat} {
				encoded, err := EncodeValue(tm, oid.T_numeric, format, expected)
				require.NoError(t, err)

				decoded, err := DecodeValue(tm, oid.T_numeric, format, encoded)
				require.NoError(t, err)

				parsed, ok := decoded.(decimal.Decimal)
				require.True(t, ok, "unexpected representation: %T", decoded)
				assert.True(t, expected.Equal(parsed), "expected %s, got %s", expected, parsed)
			}
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	tm := NewTypeMap()

	_, err := DecodeValue(tm, oid.Oid(99999999), TextFormat, []byte("value"))
	require.Error(t, err)
}

func TestParameterScan(t *testing.T) {
	tm := pgtype.NewMap()

	parameter := NewParameter(TextFormat, []byte("42"))
	assert.Equal(t, TextFormat, parameter.Format())
	assert.Equal(t, []byte("42"), parameter.Value())

	value, err := parameter.Scan(tm, oid.T_int4)
	require.NoError(t, err)
	assert.Equal(t, int32(42), value)

	null := NewParameter(TextFormat, nil)
	value, err = null.Scan(tm, oid.T_int4)
	require.NoError(t, err)
	assert.Nil(t, value)
}
