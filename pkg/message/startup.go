package message

import (
	"fmt"
	"sort"

	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/types"
)

// Startup represents the parameter-carrying startup message opening a regular
// connection. The message carries no type byte; the protocol version sits in
// the position the message length of a typed message would occupy.
type Startup struct {
	Version    types.Version
	Parameters map[string]string
}

func (msg Startup) ClientType() types.ClientMessage { return 0 }

func (msg Startup) Encode(writer *buffer.Writer) error {
	writer.StartUntyped()
	writer.AddInt32(int32(msg.Version))

	// NOTE: parameters are sorted to keep the encoding deterministic, the
	// protocol itself does not prescribe an order.
	keys := make([]string, 0, len(msg.Parameters))
	for key := range msg.Parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		writer.AddString(key)
		writer.AddNullTerminate()
		writer.AddString(msg.Parameters[key])
		writer.AddNullTerminate()
	}

	writer.AddNullTerminate() // end of parameters
	return writer.End()
}

// SSLRequest asks the server to upgrade the connection to TLS. The server
// answers with a single 'S' or 'N' byte outside of the regular framing.
type SSLRequest struct{}

func (msg SSLRequest) ClientType() types.ClientMessage { return 0 }

func (msg SSLRequest) Encode(writer *buffer.Writer) error {
	writer.StartUntyped()
	writer.AddInt32(int32(types.VersionSSLRequest))
	return writer.End()
}

// GSSENCRequest asks the server to upgrade the connection to GSSAPI
// encryption. The server answers with a single 'G' or 'N' byte.
type GSSENCRequest struct{}

func (msg GSSENCRequest) ClientType() types.ClientMessage { return 0 }

func (msg GSSENCRequest) Encode(writer *buffer.Writer) error {
	writer.StartUntyped()
	writer.AddInt32(int32(types.VersionGSSENC))
	return writer.End()
}

// CancelRequest asks the server to cancel the in-flight query of the
// connection identified by the given process ID and secret key. The message is
// sent over a fresh connection which is closed without a reply.
type CancelRequest struct {
	ProcessID int32
	SecretKey int32
}

func (msg CancelRequest) ClientType() types.ClientMessage { return 0 }

func (msg CancelRequest) Encode(writer *buffer.Writer) error {
	writer.StartUntyped()
	writer.AddInt32(int32(types.VersionCancel))
	writer.AddInt32(msg.ProcessID)
	writer.AddInt32(msg.SecretKey)
	return writer.End()
}

// DecodeStartup decodes the first frame of a fresh connection. The frame has
// no type byte; the 32-bit code following the length disambiguates between a
// SSLRequest, GSSENCRequest, CancelRequest and a regular startup message. The
// caller is expected to have consumed the untyped frame into the reader.
func DecodeStartup(reader *buffer.Reader) (FrontendMessage, error) {
	code, err := reader.GetUint32()
	if err != nil {
		return nil, err
	}

	switch types.Version(code) {
	case types.VersionSSLRequest:
		return SSLRequest{}, nil
	case types.VersionGSSENC:
		return GSSENCRequest{}, nil
	case types.VersionCancel:
		processID, err := reader.GetInt32()
		if err != nil {
			return nil, err
		}

		secretKey, err := reader.GetInt32()
		if err != nil {
			return nil, err
		}

		return CancelRequest{ProcessID: processID, SecretKey: secretKey}, nil
	}

	if code>>16 != 3 {
		return nil, fmt.Errorf("unsupported protocol version: %d", code)
	}

	msg := Startup{
		Version:    types.Version(code),
		Parameters: make(map[string]string),
	}

	for {
		key, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		// an empty key indicates the end of the parameter list
		if len(key) == 0 {
			break
		}

		value, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		msg.Parameters[key] = value
	}

	return msg, nil
}
