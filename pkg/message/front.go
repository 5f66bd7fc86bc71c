package message

import (
	"github.com/lib/pq/oid"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/types"
)

// Query carries the SQL of a simple-query cycle. The string may contain
// multiple statements separated by semicolons.
type Query struct {
	Statement string
}

func (msg Query) ClientType() types.ClientMessage { return types.ClientSimpleQuery }

func (msg Query) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientSimpleQuery))
	writer.AddString(msg.Statement)
	writer.AddNullTerminate()
	return writer.End()
}

func DecodeQuery(reader *buffer.Reader) (Query, error) {
	statement, err := reader.GetString()
	if err != nil {
		return Query{}, err
	}

	return Query{Statement: statement}, nil
}

// Parse opens the extended-query cycle by preparing a statement under the
// given name. Parameter types may be prespecified by the client; a zero OID
// leaves the type to be inferred by the server.
type Parse struct {
	Name           string
	Query          string
	ParameterTypes []oid.Oid
}

func (msg Parse) ClientType() types.ClientMessage { return types.ClientParse }

func (msg Parse) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientParse))
	writer.AddString(msg.Name)
	writer.AddNullTerminate()
	writer.AddString(msg.Query)
	writer.AddNullTerminate()
	writer.AddInt16(int16(len(msg.ParameterTypes)))
	for _, typed := range msg.ParameterTypes {
		writer.AddInt32(int32(typed))
	}
	return writer.End()
}

func DecodeParse(reader *buffer.Reader) (Parse, error) {
	msg := Parse{}

	var err error
	msg.Name, err = reader.GetString()
	if err != nil {
		return msg, err
	}

	msg.Query, err = reader.GetString()
	if err != nil {
		return msg, err
	}

	count, err := reader.GetUint16()
	if err != nil {
		return msg, err
	}

	if count > 0 {
		msg.ParameterTypes = make([]oid.Oid, count)
		for i := range msg.ParameterTypes {
			typed, err := reader.GetUint32()
			if err != nil {
				return msg, err
			}

			msg.ParameterTypes[i] = oid.Oid(typed)
		}
	}

	return msg, nil
}

// Bind creates a portal out of a prepared statement and a set of parameter
// values. A nil parameter value encodes the SQL NULL (wire length -1).
type Bind struct {
	Portal           string
	Statement        string
	ParameterFormats []types.FormatCode
	Parameters       [][]byte
	ResultFormats    []types.FormatCode
}

func (msg Bind) ClientType() types.ClientMessage { return types.ClientBind }

func (msg Bind) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientBind))
	writer.AddString(msg.Portal)
	writer.AddNullTerminate()
	writer.AddString(msg.Statement)
	writer.AddNullTerminate()

	writer.AddInt16(int16(len(msg.ParameterFormats)))
	for _, format := range msg.ParameterFormats {
		writer.AddInt16(int16(format))
	}

	writer.AddInt16(int16(len(msg.Parameters)))
	for _, parameter := range msg.Parameters {
		if parameter == nil {
			writer.AddInt32(-1)
			continue
		}

		writer.AddInt32(int32(len(parameter)))
		writer.AddBytes(parameter)
	}

	writer.AddInt16(int16(len(msg.ResultFormats)))
	for _, format := range msg.ResultFormats {
		writer.AddInt16(int16(format))
	}

	return writer.End()
}

func DecodeBind(reader *buffer.Reader) (Bind, error) {
	msg := Bind{}

	var err error
	msg.Portal, err = reader.GetString()
	if err != nil {
		return msg, err
	}

	msg.Statement, err = reader.GetString()
	if err != nil {
		return msg, err
	}

	formats, err := reader.GetUint16()
	if err != nil {
		return msg, err
	}

	msg.ParameterFormats = make([]types.FormatCode, formats)
	for i := range msg.ParameterFormats {
		format, err := reader.GetUint16()
		if err != nil {
			return msg, err
		}

		msg.ParameterFormats[i] = types.FormatCode(format)
	}

	parameters, err := reader.GetUint16()
	if err != nil {
		return msg, err
	}

	msg.Parameters = make([][]byte, parameters)
	for i := range msg.Parameters {
		length, err := reader.GetInt32()
		if err != nil {
			return msg, err
		}

		// a length of -1 denotes the SQL NULL, distinct from a zero
		// length value.
		value, err := reader.GetBytes(int(length))
		if err != nil {
			return msg, err
		}

		msg.Parameters[i] = value
	}

	results, err := reader.GetUint16()
	if err != nil {
		return msg, err
	}

	msg.ResultFormats = make([]types.FormatCode, results)
	for i := range msg.ResultFormats {
		format, err := reader.GetUint16()
		if err != nil {
			return msg, err
		}

		msg.ResultFormats[i] = types.FormatCode(format)
	}

	return msg, nil
}

// Describe requests the description of a prepared statement or portal.
type Describe struct {
	Target types.DescribeMessage
	Name   string
}

func (msg Describe) ClientType() types.ClientMessage { return types.ClientDescribe }

func (msg Describe) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientDescribe))
	writer.AddByte(byte(msg.Target))
	writer.AddString(msg.Name)
	writer.AddNullTerminate()
	return writer.End()
}

func DecodeDescribe(reader *buffer.Reader) (Describe, error) {
	target, err := reader.GetBytes(1)
	if err != nil {
		return Describe{}, err
	}

	name, err := reader.GetString()
	if err != nil {
		return Describe{}, err
	}

	return Describe{Target: types.DescribeMessage(target[0]), Name: name}, nil
}

// Execute runs the given portal. A max rows value of zero denotes "no limit";
// a non-zero value suspends the portal once the limit has been reached.
type Execute struct {
	Portal  string
	MaxRows int32
}

func (msg Execute) ClientType() types.ClientMessage { return types.ClientExecute }

func (msg Execute) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientExecute))
	writer.AddString(msg.Portal)
	writer.AddNullTerminate()
	writer.AddInt32(msg.MaxRows)
	return writer.End()
}

func DecodeExecute(reader *buffer.Reader) (Execute, error) {
	portal, err := reader.GetString()
	if err != nil {
		return Execute{}, err
	}

	rows, err := reader.GetInt32()
	if err != nil {
		return Execute{}, err
	}

	return Execute{Portal: portal, MaxRows: rows}, nil
}

// Close removes a prepared statement or portal by name.
type Close struct {
	Target types.DescribeMessage
	Name   string
}

func (msg Close) ClientType() types.ClientMessage { return types.ClientClose }

func (msg Close) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientClose))
	writer.AddByte(byte(msg.Target))
	writer.AddString(msg.Name)
	writer.AddNullTerminate()
	return writer.End()
}

func DecodeClose(reader *buffer.Reader) (Close, error) {
	target, err := reader.GetBytes(1)
	if err != nil {
		return Close{}, err
	}

	name, err := reader.GetString()
	if err != nil {
		return Close{}, err
	}

	return Close{Target: types.DescribeMessage(target[0]), Name: name}, nil
}

// Sync ends an extended-query batch and asks for a ReadyForQuery.
type Sync struct{}

func (msg Sync) ClientType() types.ClientMessage { return types.ClientSync }

func (msg Sync) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientSync))
	return writer.End()
}

// Flush forces the server to deliver any pending output without ending the
// extended-query batch.
type Flush struct{}

func (msg Flush) ClientType() types.ClientMessage { return types.ClientFlush }

func (msg Flush) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientFlush))
	return writer.End()
}

// Terminate announces a graceful connection shutdown. No reply is sent.
type Terminate struct{}

func (msg Terminate) ClientType() types.ClientMessage { return types.ClientTerminate }

func (msg Terminate) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientTerminate))
	return writer.End()
}

// Password carries a cleartext password or a MD5 digest, depending on the
// authentication request the server issued. The wire layout is identical.
type Password struct {
	Password string
}

func (msg Password) ClientType() types.ClientMessage { return types.ClientPassword }

func (msg Password) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientPassword))
	writer.AddString(msg.Password)
	writer.AddNullTerminate()
	return writer.End()
}

func DecodePassword(reader *buffer.Reader) (Password, error) {
	password, err := reader.GetString()
	if err != nil {
		return Password{}, err
	}

	return Password{Password: password}, nil
}

// SASLInitialResponse opens a SASL exchange by selecting a mechanism and
// optionally carrying the client-first message. A data length of -1 denotes
// an absent initial response.
type SASLInitialResponse struct {
	Mechanism string
	Data      []byte
}

func (msg SASLInitialResponse) ClientType() types.ClientMessage { return types.ClientPassword }

func (msg SASLInitialResponse) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientPassword))
	writer.AddString(msg.Mechanism)
	writer.AddNullTerminate()
	if msg.Data == nil {
		writer.AddInt32(-1)
	} else {
		writer.AddInt32(int32(len(msg.Data)))
		writer.AddBytes(msg.Data)
	}
	return writer.End()
}

func DecodeSASLInitialResponse(reader *buffer.Reader) (SASLInitialResponse, error) {
	mechanism, err := reader.GetString()
	if err != nil {
		return SASLInitialResponse{}, err
	}

	length, err := reader.GetInt32()
	if err != nil {
		return SASLInitialResponse{}, err
	}

	data, err := reader.GetBytes(int(length))
	if err != nil {
		return SASLInitialResponse{}, err
	}

	return SASLInitialResponse{Mechanism: mechanism, Data: data}, nil
}

// SASLResponse carries a SASL continuation message such as the SCRAM
// client-final message.
type SASLResponse struct {
	Data []byte
}

func (msg SASLResponse) ClientType() types.ClientMessage { return types.ClientPassword }

func (msg SASLResponse) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientPassword))
	writer.AddBytes(msg.Data)
	return writer.End()
}

func DecodeSASLResponse(reader *buffer.Reader) (SASLResponse, error) {
	data, err := reader.GetBytes(len(reader.Msg))
	if err != nil {
		return SASLResponse{}, err
	}

	return SASLResponse{Data: data}, nil
}

// CopyFail aborts an in-progress copy-in operation with a reason.
type CopyFail struct {
	Reason string
}

func (msg CopyFail) ClientType() types.ClientMessage { return types.ClientCopyFail }

func (msg CopyFail) Encode(writer *buffer.Writer) error {
	writer.Start(types.ServerMessage(types.ClientCopyFail))
	writer.AddString(msg.Reason)
	writer.AddNullTerminate()
	return writer.End()
}

func DecodeCopyFail(reader *buffer.Reader) (CopyFail, error) {
	reason, err := reader.GetString()
	if err != nil {
		return CopyFail{}, err
	}

	return CopyFail{Reason: reason}, nil
}
