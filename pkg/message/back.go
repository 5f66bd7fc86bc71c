package message

import (
	"fmt"

	"github.com/lib/pq/oid"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/types"
)

// Authentication represents the family of 'R' messages driving the
// authentication handshake. The request code decides which fields are
// populated: the MD5 variant carries a salt, the SASL variant the advertised
// mechanisms and the SASL continue/final variants opaque exchange data.
type Authentication struct {
	Request    types.AuthenticationRequest
	Salt       [4]byte
	Mechanisms []string
	Data       []byte
}

func (msg Authentication) ServerType() types.ServerMessage { return types.ServerAuth }

func (msg Authentication) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(msg.Request))

	switch msg.Request {
	case types.AuthenticationMD5Password:
		writer.AddBytes(msg.Salt[:])
	case types.AuthenticationSASL:
		for _, mechanism := range msg.Mechanisms {
			writer.AddString(mechanism)
			writer.AddNullTerminate()
		}
		writer.AddNullTerminate()
	case types.AuthenticationSASLContinue, types.AuthenticationSASLFinal:
		writer.AddBytes(msg.Data)
	}

	return writer.End()
}

func DecodeAuthentication(reader *buffer.Reader) (Authentication, error) {
	request, err := reader.GetInt32()
	if err != nil {
		return Authentication{}, err
	}

	msg := Authentication{Request: types.AuthenticationRequest(request)}
	switch msg.Request {
	case types.AuthenticationOk, types.AuthenticationCleartextPassword:
	case types.AuthenticationMD5Password:
		salt, err := reader.GetBytes(4)
		if err != nil {
			return msg, err
		}

		copy(msg.Salt[:], salt)
	case types.AuthenticationSASL:
		for len(reader.Msg) > 1 {
			mechanism, err := reader.GetString()
			if err != nil {
				return msg, err
			}

			msg.Mechanisms = append(msg.Mechanisms, mechanism)
		}
	case types.AuthenticationSASLContinue, types.AuthenticationSASLFinal:
		msg.Data, err = reader.GetBytes(len(reader.Msg))
		if err != nil {
			return msg, err
		}
	default:
		return msg, fmt.Errorf("unknown authentication request: %d", request)
	}

	return msg, nil
}

// ParameterStatus reports a single runtime parameter to the client.
type ParameterStatus struct {
	Key   string
	Value string
}

func (msg ParameterStatus) ServerType() types.ServerMessage { return types.ServerParameterStatus }

func (msg ParameterStatus) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerParameterStatus)
	writer.AddString(msg.Key)
	writer.AddNullTerminate()
	writer.AddString(msg.Value)
	writer.AddNullTerminate()
	return writer.End()
}

func DecodeParameterStatus(reader *buffer.Reader) (ParameterStatus, error) {
	key, err := reader.GetString()
	if err != nil {
		return ParameterStatus{}, err
	}

	value, err := reader.GetString()
	if err != nil {
		return ParameterStatus{}, err
	}

	return ParameterStatus{Key: key, Value: value}, nil
}

// BackendKeyData hands the client the cancellation key data of its backend.
type BackendKeyData struct {
	ProcessID int32
	SecretKey int32
}

func (msg BackendKeyData) ServerType() types.ServerMessage { return types.ServerBackendKeyData }

func (msg BackendKeyData) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerBackendKeyData)
	writer.AddInt32(msg.ProcessID)
	writer.AddInt32(msg.SecretKey)
	return writer.End()
}

func DecodeBackendKeyData(reader *buffer.Reader) (BackendKeyData, error) {
	processID, err := reader.GetInt32()
	if err != nil {
		return BackendKeyData{}, err
	}

	secretKey, err := reader.GetInt32()
	if err != nil {
		return BackendKeyData{}, err
	}

	return BackendKeyData{ProcessID: processID, SecretKey: secretKey}, nil
}

// ReadyForQuery announces the end of a command cycle together with the
// current transaction status.
type ReadyForQuery struct {
	Status types.ServerStatus
}

func (msg ReadyForQuery) ServerType() types.ServerMessage { return types.ServerReady }

func (msg ReadyForQuery) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerReady)
	writer.AddByte(byte(msg.Status))
	return writer.End()
}

func DecodeReadyForQuery(reader *buffer.Reader) (ReadyForQuery, error) {
	status, err := reader.GetBytes(1)
	if err != nil {
		return ReadyForQuery{}, err
	}

	return ReadyForQuery{Status: types.ServerStatus(status[0])}, nil
}

// ColumnDescription describes a single result column inside a RowDescription.
// https://www.postgresql.org/docs/current/catalog-pg-attribute.html
type ColumnDescription struct {
	Name         string
	TableOID     int32
	AttrNo       int16
	TypeOID      oid.Oid
	TypeSize     int16
	TypeModifier int32
	Format       types.FormatCode
}

// RowDescription describes the columns of the rows about to be returned.
type RowDescription struct {
	Columns []ColumnDescription
}

func (msg RowDescription) ServerType() types.ServerMessage { return types.ServerRowDescription }

func (msg RowDescription) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerRowDescription)
	writer.AddInt16(int16(len(msg.Columns)))

	for _, column := range msg.Columns {
		writer.AddString(column.Name)
		writer.AddNullTerminate()
		writer.AddInt32(column.TableOID)
		writer.AddInt16(column.AttrNo)
		writer.AddInt32(int32(column.TypeOID))
		writer.AddInt16(column.TypeSize)
		writer.AddInt32(column.TypeModifier)
		writer.AddInt16(int16(column.Format))
	}

	return writer.End()
}

func DecodeRowDescription(reader *buffer.Reader) (RowDescription, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return RowDescription{}, err
	}

	msg := RowDescription{Columns: make([]ColumnDescription, count)}
	for i := range msg.Columns {
		column := ColumnDescription{}

		column.Name, err = reader.GetString()
		if err != nil {
			return msg, err
		}

		column.TableOID, err = reader.GetInt32()
		if err != nil {
			return msg, err
		}

		column.AttrNo, err = reader.GetInt16()
		if err != nil {
			return msg, err
		}

		typed, err := reader.GetUint32()
		if err != nil {
			return msg, err
		}
		column.TypeOID = oid.Oid(typed)

		column.TypeSize, err = reader.GetInt16()
		if err != nil {
			return msg, err
		}

		column.TypeModifier, err = reader.GetInt32()
		if err != nil {
			return msg, err
		}

		format, err := reader.GetInt16()
		if err != nil {
			return msg, err
		}
		column.Format = types.FormatCode(format)

		msg.Columns[i] = column
	}

	return msg, nil
}

// DataRow carries the values of a single result row. A nil value denotes the
// SQL NULL, encoded as the length -1 on the wire.
type DataRow struct {
	Values [][]byte
}

func (msg DataRow) ServerType() types.ServerMessage { return types.ServerDataRow }

func (msg DataRow) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerDataRow)
	writer.AddInt16(int16(len(msg.Values)))

	for _, value := range msg.Values {
		if value == nil {
			writer.AddInt32(-1)
			continue
		}

		writer.AddInt32(int32(len(value)))
		writer.AddBytes(value)
	}

	return writer.End()
}

func DecodeDataRow(reader *buffer.Reader) (DataRow, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return DataRow{}, err
	}

	msg := DataRow{Values: make([][]byte, count)}
	for i := range msg.Values {
		length, err := reader.GetInt32()
		if err != nil {
			return msg, err
		}

		msg.Values[i], err = reader.GetBytes(int(length))
		if err != nil {
			return msg, err
		}
	}

	return msg, nil
}

// CommandComplete reports the completion tag of an executed command, such as
// "SELECT 3" or "INSERT 0 1".
type CommandComplete struct {
	Tag string
}

func (msg CommandComplete) ServerType() types.ServerMessage { return types.ServerCommandComplete }

func (msg CommandComplete) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerCommandComplete)
	writer.AddString(msg.Tag)
	writer.AddNullTerminate()
	return writer.End()
}

func DecodeCommandComplete(reader *buffer.Reader) (CommandComplete, error) {
	tag, err := reader.GetString()
	if err != nil {
		return CommandComplete{}, err
	}

	return CommandComplete{Tag: tag}, nil
}

// EmptyQueryResponse substitutes CommandComplete for an empty query string.
type EmptyQueryResponse struct{}

func (msg EmptyQueryResponse) ServerType() types.ServerMessage { return types.ServerEmptyQuery }

func (msg EmptyQueryResponse) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerEmptyQuery)
	return writer.End()
}

// NoData announces that a statement or portal returns no row set.
type NoData struct{}

func (msg NoData) ServerType() types.ServerMessage { return types.ServerNoData }

func (msg NoData) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerNoData)
	return writer.End()
}

// ParameterDescription reports the parameter types of a described statement.
type ParameterDescription struct {
	Types []oid.Oid
}

func (msg ParameterDescription) ServerType() types.ServerMessage {
	return types.ServerParameterDescription
}

func (msg ParameterDescription) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerParameterDescription)
	writer.AddInt16(int16(len(msg.Types)))
	for _, typed := range msg.Types {
		writer.AddInt32(int32(typed))
	}
	return writer.End()
}

func DecodeParameterDescription(reader *buffer.Reader) (ParameterDescription, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return ParameterDescription{}, err
	}

	msg := ParameterDescription{Types: make([]oid.Oid, count)}
	for i := range msg.Types {
		typed, err := reader.GetUint32()
		if err != nil {
			return msg, err
		}

		msg.Types[i] = oid.Oid(typed)
	}

	return msg, nil
}

// ParseComplete acknowledges a Parse message.
type ParseComplete struct{}

func (msg ParseComplete) ServerType() types.ServerMessage { return types.ServerParseComplete }

func (msg ParseComplete) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerParseComplete)
	return writer.End()
}

// BindComplete acknowledges a Bind message.
type BindComplete struct{}

func (msg BindComplete) ServerType() types.ServerMessage { return types.ServerBindComplete }

func (msg BindComplete) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerBindComplete)
	return writer.End()
}

// CloseComplete acknowledges a Close message.
type CloseComplete struct{}

func (msg CloseComplete) ServerType() types.ServerMessage { return types.ServerCloseComplete }

func (msg CloseComplete) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerCloseComplete)
	return writer.End()
}

// PortalSuspended reports that an Execute row limit was reached before the
// portal was exhausted.
type PortalSuspended struct{}

func (msg PortalSuspended) ServerType() types.ServerMessage { return types.ServerPortalSuspended }

func (msg PortalSuspended) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerPortalSuspended)
	return writer.End()
}

// Field represents a single tagged field inside an ErrorResponse or
// NoticeResponse.
// http://www.postgresql.org/docs/current/static/protocol-error-fields.html
type Field struct {
	Tag   byte
	Value string
}

// ErrorResponse reports an error to the client. The field list is terminated
// by a zero byte on the wire.
type ErrorResponse struct {
	Fields []Field
}

func (msg ErrorResponse) ServerType() types.ServerMessage { return types.ServerErrorResponse }

func (msg ErrorResponse) Encode(writer *buffer.Writer) error {
	return encodeFields(writer, types.ServerErrorResponse, msg.Fields)
}

func DecodeErrorResponse(reader *buffer.Reader) (ErrorResponse, error) {
	fields, err := decodeFields(reader)
	return ErrorResponse{Fields: fields}, err
}

// NoticeResponse reports a warning which does not end the current command.
type NoticeResponse struct {
	Fields []Field
}

func (msg NoticeResponse) ServerType() types.ServerMessage { return types.ServerNoticeResponse }

func (msg NoticeResponse) Encode(writer *buffer.Writer) error {
	return encodeFields(writer, types.ServerNoticeResponse, msg.Fields)
}

func DecodeNoticeResponse(reader *buffer.Reader) (NoticeResponse, error) {
	fields, err := decodeFields(reader)
	return NoticeResponse{Fields: fields}, err
}

func encodeFields(writer *buffer.Writer, t types.ServerMessage, fields []Field) error {
	writer.Start(t)
	for _, field := range fields {
		writer.AddByte(field.Tag)
		writer.AddString(field.Value)
		writer.AddNullTerminate()
	}
	writer.AddNullTerminate()
	return writer.End()
}

func decodeFields(reader *buffer.Reader) ([]Field, error) {
	var fields []Field
	for {
		tag, err := reader.GetBytes(1)
		if err != nil {
			return fields, err
		}

		if tag[0] == 0 {
			return fields, nil
		}

		value, err := reader.GetString()
		if err != nil {
			return fields, err
		}

		fields = append(fields, Field{Tag: tag[0], Value: value})
	}
}

// NotificationResponse delivers a LISTEN/NOTIFY notification.
type NotificationResponse struct {
	ProcessID int32
	Channel   string
	Payload   string
}

func (msg NotificationResponse) ServerType() types.ServerMessage { return types.ServerNotification }

func (msg NotificationResponse) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerNotification)
	writer.AddInt32(msg.ProcessID)
	writer.AddString(msg.Channel)
	writer.AddNullTerminate()
	writer.AddString(msg.Payload)
	writer.AddNullTerminate()
	return writer.End()
}

func DecodeNotificationResponse(reader *buffer.Reader) (NotificationResponse, error) {
	msg := NotificationResponse{}

	var err error
	msg.ProcessID, err = reader.GetInt32()
	if err != nil {
		return msg, err
	}

	msg.Channel, err = reader.GetString()
	if err != nil {
		return msg, err
	}

	msg.Payload, err = reader.GetString()
	if err != nil {
		return msg, err
	}

	return msg, nil
}

// CopyResponse carries the format fields shared by the CopyInResponse,
// CopyOutResponse and CopyBothResponse messages.
type CopyResponse struct {
	Format        types.FormatCode
	ColumnFormats []types.FormatCode
}

func (msg CopyResponse) encode(writer *buffer.Writer, t types.ServerMessage) error {
	writer.Start(t)
	writer.AddByte(byte(msg.Format))
	writer.AddInt16(int16(len(msg.ColumnFormats)))
	for _, format := range msg.ColumnFormats {
		writer.AddInt16(int16(format))
	}
	return writer.End()
}

func decodeCopyResponse(reader *buffer.Reader) (CopyResponse, error) {
	format, err := reader.GetBytes(1)
	if err != nil {
		return CopyResponse{}, err
	}

	count, err := reader.GetUint16()
	if err != nil {
		return CopyResponse{}, err
	}

	msg := CopyResponse{
		Format:        types.FormatCode(format[0]),
		ColumnFormats: make([]types.FormatCode, count),
	}

	for i := range msg.ColumnFormats {
		column, err := reader.GetInt16()
		if err != nil {
			return msg, err
		}

		msg.ColumnFormats[i] = types.FormatCode(column)
	}

	return msg, nil
}

// CopyInResponse starts a copy-in operation; the client transfers data to the
// server using CopyData messages.
type CopyInResponse struct{ CopyResponse }

func (msg CopyInResponse) ServerType() types.ServerMessage { return types.ServerCopyInResponse }

func (msg CopyInResponse) Encode(writer *buffer.Writer) error {
	return msg.encode(writer, types.ServerCopyInResponse)
}

func DecodeCopyInResponse(reader *buffer.Reader) (CopyInResponse, error) {
	response, err := decodeCopyResponse(reader)
	return CopyInResponse{CopyResponse: response}, err
}

// CopyOutResponse starts a copy-out operation; the server transfers data to
// the client using CopyData messages.
type CopyOutResponse struct{ CopyResponse }

func (msg CopyOutResponse) ServerType() types.ServerMessage { return types.ServerCopyOutResponse }

func (msg CopyOutResponse) Encode(writer *buffer.Writer) error {
	return msg.encode(writer, types.ServerCopyOutResponse)
}

func DecodeCopyOutResponse(reader *buffer.Reader) (CopyOutResponse, error) {
	response, err := decodeCopyResponse(reader)
	return CopyOutResponse{CopyResponse: response}, err
}

// CopyBothResponse starts a bidirectional copy operation, used for streaming
// sub-protocols.
type CopyBothResponse struct{ CopyResponse }

func (msg CopyBothResponse) ServerType() types.ServerMessage { return types.ServerCopyBothResponse }

func (msg CopyBothResponse) Encode(writer *buffer.Writer) error {
	return msg.encode(writer, types.ServerCopyBothResponse)
}

func DecodeCopyBothResponse(reader *buffer.Reader) (CopyBothResponse, error) {
	response, err := decodeCopyResponse(reader)
	return CopyBothResponse{CopyResponse: response}, err
}

// CopyData carries a chunk of copy data. The message is used in both
// directions and is not interpreted by the protocol layer.
type CopyData struct {
	Data []byte
}

func (msg CopyData) ClientType() types.ClientMessage { return types.ClientCopyData }
func (msg CopyData) ServerType() types.ServerMessage { return types.ServerCopyData }

func (msg CopyData) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerCopyData)
	writer.AddBytes(msg.Data)
	return writer.End()
}

func DecodeCopyData(reader *buffer.Reader) (CopyData, error) {
	data, err := reader.GetBytes(len(reader.Msg))
	if err != nil {
		return CopyData{}, err
	}

	return CopyData{Data: data}, nil
}

// CopyDone announces the successful end of a copy stream in either direction.
type CopyDone struct{}

func (msg CopyDone) ClientType() types.ClientMessage { return types.ClientCopyDone }
func (msg CopyDone) ServerType() types.ServerMessage { return types.ServerCopyDone }

func (msg CopyDone) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerCopyDone)
	return writer.End()
}
