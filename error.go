package wire

import (
	"context"
	"strconv"

	psqlerr "github.com/pgforge/wire/errors"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/message"
)

// errFieldType represents the error and notice message fields.
// http://www.postgresql.org/docs/current/static/protocol-error-fields.html
type errFieldType byte

const (
	errFieldSeverity         errFieldType = 'S'
	errFieldSeverityNonLocal errFieldType = 'V'
	errFieldSQLState         errFieldType = 'C'
	errFieldMsgPrimary       errFieldType = 'M'
	errFieldDetail           errFieldType = 'D'
	errFieldHint             errFieldType = 'H'
	errFieldPosition         errFieldType = 'P'
	errFieldWhere            errFieldType = 'W'
	errFieldSrcFile          errFieldType = 'F'
	errFieldSrcLine          errFieldType = 'L'
	errFieldSrcFunction      errFieldType = 'R'
	errFieldConstraintName   errFieldType = 'n'
)

// ErrorHandler is an optional hook invoked before an error is written to the
// client. The returned description is emitted instead of the original,
// allowing embedders to rewrite the severity, SQLSTATE or message.
type ErrorHandler func(ctx context.Context, err psqlerr.Error) psqlerr.Error

// ErrorCode writes an error message as response to a command with the given
// severity and error message. The error is flattened into the typed protocol
// fields before it is written.
// https://www.postgresql.org/docs/current/static/protocol-error-fields.html
func ErrorCode(writer *buffer.Writer, err error) error {
	return writeErrorFields(writer, psqlerr.Flatten(err))
}

func writeErrorFields(writer *buffer.Writer, desc psqlerr.Error) error {
	fields := []message.Field{
		{Tag: byte(errFieldSeverity), Value: string(desc.Severity)},
		{Tag: byte(errFieldSeverityNonLocal), Value: string(desc.Severity)},
		{Tag: byte(errFieldSQLState), Value: string(desc.Code)},
		{Tag: byte(errFieldMsgPrimary), Value: desc.Message},
	}

	if desc.Detail != "" {
		fields = append(fields, message.Field{Tag: byte(errFieldDetail), Value: desc.Detail})
	}

	if desc.Hint != "" {
		fields = append(fields, message.Field{Tag: byte(errFieldHint), Value: desc.Hint})
	}

	if desc.Position > 0 {
		fields = append(fields, message.Field{Tag: byte(errFieldPosition), Value: strconv.Itoa(int(desc.Position))})
	}

	if desc.Where != "" {
		fields = append(fields, message.Field{Tag: byte(errFieldWhere), Value: desc.Where})
	}

	if desc.ConstraintName != "" {
		fields = append(fields, message.Field{Tag: byte(errFieldConstraintName), Value: desc.ConstraintName})
	}

	if desc.Source != nil {
		fields = append(fields,
			message.Field{Tag: byte(errFieldSrcFile), Value: desc.Source.File},
			message.Field{Tag: byte(errFieldSrcLine), Value: strconv.Itoa(int(desc.Source.Line))},
			message.Field{Tag: byte(errFieldSrcFunction), Value: desc.Source.Function},
		)
	}

	return message.ErrorResponse{Fields: fields}.Encode(writer)
}

// Notice writes a notice message carrying the given description to the
// client. Notices do not end the current command cycle.
func Notice(writer *buffer.Writer, description string) error {
	fields := []message.Field{
		{Tag: byte(errFieldSeverity), Value: string(psqlerr.LevelNotice)},
		{Tag: byte(errFieldSeverityNonLocal), Value: string(psqlerr.LevelNotice)},
		{Tag: byte(errFieldSQLState), Value: "00000"},
		{Tag: byte(errFieldMsgPrimary), Value: description},
	}

	return message.NoticeResponse{Fields: fields}.Encode(writer)
}
