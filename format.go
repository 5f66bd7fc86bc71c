package wire

import "github.com/pgforge/wire/pkg/types"

// FormatCode represents the encoding format of a given column
type FormatCode = types.FormatCode

const (
	// TextFormat is the default, text format.
	TextFormat = types.TextFormat
	// BinaryFormat is an alternative, binary, encoding.
	BinaryFormat = types.BinaryFormat
)
