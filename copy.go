package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgforge/wire/codes"
	psqlerr "github.com/pgforge/wire/errors"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/types"
)

// CopySignature is the signature that is used to identify the start of a
// binary copy-in stream.
// https://www.postgresql.org/docs/current/sql-copy.html
var CopySignature = []byte("PGCOPY\n\377\r\n\000")

// newErrClientCopyFailed is returned whenever the client aborts a copy
// operation through a CopyFail message.
func newErrClientCopyFailed(desc string) error {
	err := fmt.Errorf("client aborted copy: %s", desc)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.QueryCanceled), psqlerr.LevelError)
}

// NewCopyReader creates a new copy reader that consumes copy-in data from the
// given client reader. The columns are used to determine the format of the
// data that is read from the reader.
func NewCopyReader(reader *buffer.Reader, writer *buffer.Writer, columns Columns) *CopyReader {
	return &CopyReader{
		Reader:  reader,
		writer:  writer,
		columns: columns,
	}
}

type CopyReader struct {
	*buffer.Reader
	writer  *buffer.Writer
	columns Columns
}

// Columns returns the columns that are currently defined within the copy reader.
func (r *CopyReader) Columns() Columns {
	return r.columns
}

// Read consumes a single chunk from the copy-in stream into the message
// buffer. An io.EOF is returned once the client announced the end of the copy
// stream; a client initiated abort is returned as a query canceled error.
func (r *CopyReader) Read() error {
	for {
		typed, _, err := r.ReadTypedMsg()
		if err != nil {
			return err
		}

		switch typed {
		case types.ClientFlush, types.ClientSync:
			// The backend will ignore Flush and Sync messages received during copy-in mode.
			// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-COPY
			continue
		case types.ClientCopyData:
			return nil
		case types.ClientCopyDone:
			return io.EOF
		case types.ClientCopyFail:
			desc, err := r.GetString()
			if err != nil {
				return err
			}
			return newErrClientCopyFailed(desc)
		default:
			// Receipt of any other non-copy message type constitutes an error that
			// will abort the copy-in state as described above.
			// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-COPY
			return NewErrUnimplementedMessageType(typed)
		}
	}
}

// Scanner is a function that scans a byte slice and returns the value as an any
type Scanner func(value []byte) (any, error)

// NewScanner creates a new scanner that scans a byte slice and returns the value
// as an any. The scanner uses the given map to decode the value and the given
// type to determine the format of the data that is scanned.
func NewScanner(tm *pgtype.Map, column Column, format FormatCode) (Scanner, error) {
	typed, has := tm.TypeForOID(uint32(column.Oid))
	if !has {
		return nil, fmt.Errorf("unknown column type: %d", column.Oid)
	}

	return func(value []byte) (any, error) {
		return typed.Codec.DecodeValue(tm, typed.OID, int16(format), value)
	}, nil
}

// NewBinaryColumnReader creates a new column reader that reads rows from the
// given copy reader and returns the values as a slice of any values. The
// columns are used to determine the format of the data that is read from the
// reader. If the end of the copy-in stream is reached, an io.EOF error is
// returned.
func NewBinaryColumnReader(ctx context.Context, copy *CopyReader) (_ *BinaryCopyReader, err error) {
	tm := TypeMap(ctx)
	if tm == nil {
		return nil, errors.New("postgres type map has not been defined inside the given context")
	}

	scanners := make([]Scanner, len(copy.columns))
	for index, column := range copy.columns {
		scanners[index], err = NewScanner(tm, column, BinaryFormat)
		if err != nil {
			return nil, err
		}
	}

	return &BinaryCopyReader{
		typeMap:  tm,
		reader:   copy,
		scanners: scanners,
	}, nil
}

type BinaryCopyReader struct {
	typeMap  *pgtype.Map
	reader   *CopyReader
	scanners []Scanner
}

// Read reads a single row from the copy-in stream. The read row is returned as a
// slice of any values. If the end of the copy-in stream is reached, an io.EOF error
// is returned.
func (r *BinaryCopyReader) Read(ctx context.Context) (_ []any, err error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// NOTE: read the next chunk from the copy-in stream if the current chunk is empty.
	if len(r.reader.Msg) == 0 {
		err = r.reader.Read()
		if err != nil {
			return nil, err
		}

		if bytes.HasPrefix(r.reader.Msg, CopySignature) {
			_, err = r.reader.GetBytes(len(CopySignature))
			if err != nil {
				return nil, err
			}

			// NOTE: 2 x 32-bit integer fields are send after the signature which we ignore for now.
			_, err = r.reader.GetBytes(8)
			if err != nil {
				return nil, err
			}
		}
	}

	fields, err := r.reader.GetUint16()
	if err != nil {
		return nil, err
	}

	row := make([]any, fields)
	for index := uint16(0); index < fields; index++ {
		length, err := r.reader.GetUint32()
		if err != nil {
			return nil, fmt.Errorf("unexpected field length: %w", err)
		}

		// NOTE: as a special case, -1 indicates a NULL field value.
		if length == math.MaxUint32 {
			continue
		}

		value, err := r.reader.GetBytes(int(length))
		if err != nil {
			return nil, fmt.Errorf("unexpected value: %w", err)
		}

		row[index], err = r.scanners[index](value)
		if err != nil {
			return nil, err
		}
	}

	return row, nil
}

type TextCopyReader struct {
	typeMap    *pgtype.Map
	reader     *CopyReader
	scanners   []Scanner
	csvReader  *csv.Reader
	buffer     *bytes.Buffer
	bufScanner *bufio.Scanner
	nullValue  string // PostgreSQL NULL value string (default empty)
}

// NewTextColumnReader creates a new column reader decoding the copy-in stream
// as CSV encoded text rows using the scanners of the statement columns.
func NewTextColumnReader(ctx context.Context, copy *CopyReader, csvReader *csv.Reader, csvReaderBuffer *bytes.Buffer, nullValue string) (_ *TextCopyReader, err error) {
	tm := TypeMap(ctx)
	if tm == nil {
		return nil, errors.New("postgres type map has not been defined inside the given context")
	}

	scanners := make([]Scanner, len(copy.columns))
	for index, column := range copy.columns {
		scanners[index], err = NewScanner(tm, column, TextFormat)
		if err != nil {
			return nil, err
		}
	}

	reader := &TextCopyReader{
		typeMap:    tm,
		reader:     copy,
		scanners:   scanners,
		csvReader:  csvReader,
		buffer:     csvReaderBuffer,
		bufScanner: bufio.NewScanner(csvReaderBuffer),
		nullValue:  nullValue,
	}

	return reader, nil
}

// Read reads a single row from the copy-in stream. The read row is returned as a
// slice of any values. If the end of the copy-in stream is reached, an io.EOF error
// is returned.
func (r *TextCopyReader) Read(ctx context.Context) (_ []any, err error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	for {
		// Try to read a CSV record from the current buffer
		record, err := r.csvReader.Read()
		if err == io.EOF {
			// CSV reader hit EOF, need more data from copy stream
			err = r.reader.Read()
			if err != nil {
				return nil, err
			}

			// Process PostgreSQL CSV escape sequences before adding to buffer
			r.buffer.Write(r.preprocessPostgreSQLCSV(r.reader.Msg))

			// Clear the message after copying to buffer
			r.reader.Msg = r.reader.Msg[:0]

			// Continue loop to try reading CSV record again
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("CSV parsing error: %w", err)
		}
		// Successfully read a CSV record, convert to row
		return r.convertRecord(record)
	}
}

// convertRecord converts a CSV record to a slice of typed values
func (r *TextCopyReader) convertRecord(record []string) ([]any, error) {
	if len(record) != len(r.scanners) {
		return nil, fmt.Errorf("CSV record has %d fields, expected %d", len(record), len(r.scanners))
	}

	row := make([]any, len(record))
	for i, field := range record {
		// Handle NULL values - check both empty string (default) and custom NULL value
		if field == r.nullValue || (r.nullValue == "" && field == "") {
			row[i] = nil
			continue
		}

		// Convert string field to appropriate type using scanner
		value, err := r.scanners[i]([]byte(field))
		if err != nil {
			return nil, fmt.Errorf("failed to scan field %d: %w", i, err)
		}
		row[i] = value
	}

	return row, nil
}

// preprocessPostgreSQLCSV converts PostgreSQL CSV escape sequences to RFC 4180 format
// PostgreSQL uses \ as escape character, but Go's csv package expects "" for quote escaping
func (r *TextCopyReader) preprocessPostgreSQLCSV(data []byte) []byte {
	return bytes.ReplaceAll(data, []byte(`\"`), []byte(`""`))
}
