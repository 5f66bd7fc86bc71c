package wire

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq/oid"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/types"
)

// Columns represent a collection of columns
type Columns []Column

// Define writes the table RowDescription headers for the given table and the containing
// columns. The headers have to be written before any data rows could be send back
// to the client.
func (columns Columns) Define(ctx context.Context, writer *buffer.Writer, formats []FormatCode) error {
	if len(columns) == 0 {
		return nil
	}

	writer.Start(types.ServerRowDescription)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		column.Define(ctx, writer, columnFormat(formats, index))
	}

	return writer.End()
}

// Write writes the given column values back to the client using the predefined
// table column types and format encoders (text/binary).
func (columns Columns) Write(ctx context.Context, formats []FormatCode, writer *buffer.Writer, srcs []any) (err error) {
	if len(srcs) != len(columns) {
		return fmt.Errorf("unexpected columns, %d columns are defined inside the given table but %d were given", len(columns), len(srcs))
	}

	writer.Start(types.ServerDataRow)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		err = column.Write(ctx, writer, columnFormat(formats, index), srcs[index])
		if err != nil {
			return err
		}
	}

	return writer.End()
}

// columnFormat returns the format code for the column at the given index. The
// result format list of a bind message may be empty (text for all columns),
// contain a single code applied to all columns, or one code per column.
func columnFormat(formats []FormatCode, index int) FormatCode {
	switch len(formats) {
	case 0:
		return TextFormat
	case 1:
		return formats[0]
	default:
		if index >= len(formats) {
			return TextFormat
		}

		return formats[index]
	}
}

// Column represents a table column and its attributes such as name, type and
// encode formatter.
// https://www.postgresql.org/docs/current/catalog-pg-attribute.html
type Column struct {
	Table        int32  // table id
	Name         string // column name
	AttrNo       int16  // column attribute no (optional)
	Oid          oid.Oid
	Width        int16
	TypeModifier int32
}

// Define writes the column header values to the given writer.
// This method is used to define a column inside RowDescription message defining
// the column type, width, and name.
func (column Column) Define(ctx context.Context, writer *buffer.Writer, format FormatCode) {
	writer.AddString(column.Name)
	writer.AddNullTerminate()
	writer.AddInt32(column.Table)
	writer.AddInt16(column.AttrNo)
	writer.AddInt32(int32(column.Oid))
	writer.AddInt16(column.Width)

	// NOTE: the zero value announces a type without modifiers, which is
	// encoded as -1 on the wire.
	modifier := column.TypeModifier
	if modifier == 0 {
		modifier = -1
	}

	writer.AddInt32(modifier)
	writer.AddInt16(int16(format))
}

// Write encodes the given source value using the column type definition and
// the type map inside the given context. The encoded byte buffer is added to
// the given write buffer as a single DataRow field.
func (column Column) Write(ctx context.Context, writer *buffer.Writer, format FormatCode, src any) (err error) {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	tm := TypeMap(ctx)
	if tm == nil {
		return errors.New("postgres type map has not been defined inside the given context")
	}

	encoded, err := EncodeValue(tm, column.Oid, format, src)
	if err != nil {
		return err
	}

	if encoded == nil {
		// NOTE: NULL is encoded as the sentinel length -1, never as an
		// empty string.
		writer.AddInt32(-1)
		return nil
	}

	writer.AddInt32(int32(len(encoded)))
	writer.AddBytes(encoded)

	return nil
}
