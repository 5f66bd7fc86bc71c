// Package message contains typed representations of every message defined by
// the PostgreSQL frontend/backend protocol (v3.0). Messages encode themselves
// through a [buffer.Writer] and are decoded from a [buffer.Reader] which has
// already consumed the message frame, keeping the wire layout in a single
// place and bit-exact in both directions.
package message

import (
	"fmt"

	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/types"
)

// FrontendMessage represents a single message sent by a client to the server.
type FrontendMessage interface {
	ClientType() types.ClientMessage
	Encode(writer *buffer.Writer) error
}

// BackendMessage represents a single message sent by the server to a client.
type BackendMessage interface {
	ServerType() types.ServerMessage
	Encode(writer *buffer.Writer) error
}

// PasswordKind tells the decoder how to interpret the shared 'p' message tag.
// The wire does not distinguish between a cleartext password, a MD5 digest, a
// SASL initial response or a SASL continuation; the connection state does.
type PasswordKind int

const (
	PasswordCleartext PasswordKind = iota
	PasswordMD5
	PasswordSASLInitial
	PasswordSASLContinue
)

// DecodeFrontend decodes the message body currently buffered inside the given
// reader as the typed client message identified by the given message tag. The
// password kind decides which variant the 'p' tag resolves to.
func DecodeFrontend(t types.ClientMessage, reader *buffer.Reader, password PasswordKind) (FrontendMessage, error) {
	switch t {
	case types.ClientSimpleQuery:
		return DecodeQuery(reader)
	case types.ClientParse:
		return DecodeParse(reader)
	case types.ClientBind:
		return DecodeBind(reader)
	case types.ClientDescribe:
		return DecodeDescribe(reader)
	case types.ClientExecute:
		return DecodeExecute(reader)
	case types.ClientClose:
		return DecodeClose(reader)
	case types.ClientSync:
		return Sync{}, nil
	case types.ClientFlush:
		return Flush{}, nil
	case types.ClientTerminate:
		return Terminate{}, nil
	case types.ClientCopyData:
		return DecodeCopyData(reader)
	case types.ClientCopyDone:
		return CopyDone{}, nil
	case types.ClientCopyFail:
		return DecodeCopyFail(reader)
	case types.ClientPassword:
		switch password {
		case PasswordSASLInitial:
			return DecodeSASLInitialResponse(reader)
		case PasswordSASLContinue:
			return DecodeSASLResponse(reader)
		default:
			return DecodePassword(reader)
		}
	default:
		return nil, fmt.Errorf("unknown client message type: %s", t)
	}
}

// DecodeBackend decodes the message body currently buffered inside the given
// reader as the typed server message identified by the given message tag.
func DecodeBackend(t types.ServerMessage, reader *buffer.Reader) (BackendMessage, error) {
	switch t {
	case types.ServerAuth:
		return DecodeAuthentication(reader)
	case types.ServerParameterStatus:
		return DecodeParameterStatus(reader)
	case types.ServerBackendKeyData:
		return DecodeBackendKeyData(reader)
	case types.ServerReady:
		return DecodeReadyForQuery(reader)
	case types.ServerRowDescription:
		return DecodeRowDescription(reader)
	case types.ServerDataRow:
		return DecodeDataRow(reader)
	case types.ServerCommandComplete:
		return DecodeCommandComplete(reader)
	case types.ServerEmptyQuery:
		return EmptyQueryResponse{}, nil
	case types.ServerNoData:
		return NoData{}, nil
	case types.ServerParameterDescription:
		return DecodeParameterDescription(reader)
	case types.ServerParseComplete:
		return ParseComplete{}, nil
	case types.ServerBindComplete:
		return BindComplete{}, nil
	case types.ServerCloseComplete:
		return CloseComplete{}, nil
	case types.ServerPortalSuspended:
		return PortalSuspended{}, nil
	case types.ServerErrorResponse:
		return DecodeErrorResponse(reader)
	case types.ServerNoticeResponse:
		return DecodeNoticeResponse(reader)
	case types.ServerNotification:
		return DecodeNotificationResponse(reader)
	case types.ServerCopyInResponse:
		return DecodeCopyInResponse(reader)
	case types.ServerCopyOutResponse:
		return DecodeCopyOutResponse(reader)
	case types.ServerCopyBothResponse:
		return DecodeCopyBothResponse(reader)
	case types.ServerCopyData:
		return DecodeCopyData(reader)
	case types.ServerCopyDone:
		return CopyDone{}, nil
	default:
		return nil, fmt.Errorf("unknown server message type: %s", t)
	}
}
