package wire

import (
	"context"
	"errors"
	"io"

	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/types"
)

// DataWriter represents a writer interface for writing columns and data rows
// using the Postgres wire to the connected client.
type DataWriter interface {
	// Row writes a single data row containing the values inside the given slice to
	// the underlaying Postgres client. The column headers have to be written before
	// sending rows. Each item inside the slice represents a single column value.
	// The slice length needs to be the same length as the defined columns. Nil
	// values are encoded as NULL values.
	Row([]any) error

	// Written returns the number of rows written to the client.
	Written() uint64

	// Empty announces to the client an empty response and that no data rows should
	// be expected.
	Empty() error

	// Complete announces to the client that the command has been completed and
	// no further data should be expected.
	//
	// See [CommandComplete] for the expected format for different queries.
	//
	// [CommandComplete]: https://www.postgresql.org/docs/current/protocol-message-formats.html#PROTOCOL-MESSAGE-FORMATS-COMMANDCOMPLETE
	Complete(description string) error

	// CopyIn sends a CopyInResponse to the client to initiate a copy-in
	// operation and returns a reader consuming the transferred data. The
	// format applies to all columns of the statement; individual column
	// formats follow the overall format.
	CopyIn(format FormatCode) (*CopyReader, error)

	// CopyOut sends a CopyOutResponse to the client to initiate a copy-out
	// operation. Chunks written to the returned writer are transferred to the
	// client as CopyData messages; calling Complete ends the stream.
	CopyOut(format FormatCode) (io.Writer, error)

	// CopyBoth sends a CopyBothResponse to the client to initiate a
	// bidirectional copy stream combining the copy-in and copy-out behavior.
	CopyBoth(format FormatCode) (*CopyReader, io.Writer, error)

	// StartTransaction marks the connection as being inside a transaction
	// block. The status is reported inside every ReadyForQuery message until
	// the transaction has ended.
	StartTransaction()

	// EndTransaction marks the end of the current transaction block.
	EndTransaction()
}

// ErrDataWritten is returned when an empty result is attempted to be sent to the
// client while data has already been written.
var ErrDataWritten = errors.New("data has already been written")

// ErrClosedWriter is returned when the data writer has been closed.
var ErrClosedWriter = errors.New("closed writer")

// errPortalSuspended is the sentinel returned by a row limited data writer
// once the limit has been reached. The error travels through the prepared
// statement handler back to the execute cycle which reports a suspended
// portal instead of a completed command.
var errPortalSuspended = errors.New("portal suspended")

// NewDataWriter constructs a new data writer using the given context and
// buffer. The returned writer should be handled with caution as it is not safe
// for concurrent use. Concurrent access to the same data without proper
// synchronization can result in unexpected behavior and data corruption.
func NewDataWriter(ctx context.Context, columns Columns, formats []FormatCode, writer *buffer.Writer, reader *buffer.Reader) DataWriter {
	return &dataWriter{
		ctx:     ctx,
		columns: columns,
		formats: formats,
		client:  writer,
		reader:  reader,
	}
}

// dataWriter is a implementation of the DataWriter interface.
type dataWriter struct {
	ctx     context.Context
	columns Columns
	formats []FormatCode
	client  *buffer.Writer
	reader  *buffer.Reader

	// offset holds the amount of rows delivered by previous executions of a
	// suspended portal, limit the maximum amount of rows delivered within the
	// current execution. A zero limit denotes an unbounded execution.
	offset    uint64
	limit     uint64
	seen      uint64
	written   uint64
	suspended bool
	closed    bool
	copying   bool

	transact func(types.ServerStatus)
}

func (writer *dataWriter) Row(values []any) error {
	if writer.closed {
		return ErrClosedWriter
	}

	if writer.suspended {
		return errPortalSuspended
	}

	writer.seen++
	if writer.seen <= writer.offset {
		return nil
	}

	if writer.limit != 0 && writer.written >= writer.limit {
		writer.suspended = true
		return errPortalSuspended
	}

	err := writer.columns.Write(writer.ctx, writer.formats, writer.client, values)
	if err != nil {
		return err
	}

	writer.written++
	return nil
}

func (writer *dataWriter) Empty() error {
	if writer.closed {
		return ErrClosedWriter
	}

	if writer.written != 0 {
		return ErrDataWritten
	}

	defer writer.close()
	return nil
}

func (writer *dataWriter) Written() uint64 {
	return writer.written
}

func (writer *dataWriter) Complete(description string) error {
	if writer.closed {
		return ErrClosedWriter
	}

	if writer.suspended {
		return errPortalSuspended
	}

	defer writer.close()

	if writer.copying {
		err := message.CopyDone{}.Encode(writer.client)
		if err != nil {
			return err
		}
	}

	return commandComplete(writer.client, description)
}

func (writer *dataWriter) StartTransaction() {
	if writer.transact != nil {
		writer.transact(types.ServerTransaction)
	}
}

func (writer *dataWriter) EndTransaction() {
	if writer.transact != nil {
		writer.transact(types.ServerIdle)
	}
}

func (writer *dataWriter) CopyIn(format FormatCode) (*CopyReader, error) {
	if writer.closed {
		return nil, ErrClosedWriter
	}

	if writer.reader == nil {
		return nil, errors.New("the data writer has no access to the client connection to copy data from")
	}

	err := message.CopyInResponse{CopyResponse: writer.copyResponse(format)}.Encode(writer.client)
	if err != nil {
		return nil, err
	}

	return NewCopyReader(writer.reader, writer.client, writer.columns), nil
}

func (writer *dataWriter) CopyOut(format FormatCode) (io.Writer, error) {
	if writer.closed {
		return nil, ErrClosedWriter
	}

	err := message.CopyOutResponse{CopyResponse: writer.copyResponse(format)}.Encode(writer.client)
	if err != nil {
		return nil, err
	}

	writer.copying = true
	return &copyDataWriter{client: writer.client}, nil
}

func (writer *dataWriter) CopyBoth(format FormatCode) (*CopyReader, io.Writer, error) {
	if writer.closed {
		return nil, nil, ErrClosedWriter
	}

	if writer.reader == nil {
		return nil, nil, errors.New("the data writer has no access to the client connection to copy data from")
	}

	err := message.CopyBothResponse{CopyResponse: writer.copyResponse(format)}.Encode(writer.client)
	if err != nil {
		return nil, nil, err
	}

	writer.copying = true
	return NewCopyReader(writer.reader, writer.client, writer.columns), &copyDataWriter{client: writer.client}, nil
}

// copyResponse constructs the format fields of a copy response message for
// the statement columns. All column formats follow the overall format.
func (writer *dataWriter) copyResponse(format FormatCode) message.CopyResponse {
	columns := make([]FormatCode, len(writer.columns))
	for index := range columns {
		columns[index] = format
	}

	return message.CopyResponse{
		Format:        format,
		ColumnFormats: columns,
	}
}

func (writer *dataWriter) close() {
	writer.closed = true
}

// copyDataWriter transfers chunks written to it to the client as CopyData
// messages. Each write is flushed as a single message so backpressure on the
// socket propagates into the producing handler.
type copyDataWriter struct {
	client *buffer.Writer
}

func (writer *copyDataWriter) Write(chunk []byte) (int, error) {
	if len(chunk) == 0 {
		return 0, nil
	}

	err := message.CopyData{Data: chunk}.Encode(writer.client)
	if err != nil {
		return 0, err
	}

	return len(chunk), nil
}

// commandComplete announces that the requested command has successfully been executed.
// The given description is written back to the client and could be used to send
// additional meta data to the user.
func commandComplete(writer *buffer.Writer, description string) error {
	return message.CommandComplete{Tag: description}.Encode(writer)
}
