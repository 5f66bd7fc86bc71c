package wire

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/jackc/pgx/v5/pgtype"
)

type ctxKey int

const (
	ctxTypeMap ctxKey = iota
	ctxClientMetadata
	ctxServerMetadata
	ctxRemoteAddr
	ctxTLSState
	ctxKeyData
)

// setTypeMap constructs a new context containing the Postgres type map used to
// encode and decode values on the connection.
func setTypeMap(ctx context.Context, tm *pgtype.Map) context.Context {
	return context.WithValue(ctx, ctxTypeMap, tm)
}

// TypeMap returns the Postgres type map if it has been set inside
// the given context.
func TypeMap(ctx context.Context) *pgtype.Map {
	val := ctx.Value(ctxTypeMap)
	if val == nil {
		return nil
	}

	return val.(*pgtype.Map)
}

// Parameters represents a parameters collection of parameter status keys and
// their values
type Parameters map[ParameterStatus]string

// ParameterStatus represents a metadata key that could be defined inside a server/client
// metadata definition
type ParameterStatus string

// At present there is a hard-wired set of parameters for which ParameterStatus
// will be generated.
// https://www.postgresql.org/docs/13/protocol-flow.html#PROTOCOL-ASYNC
const (
	ParamServerEncoding            ParameterStatus = "server_encoding"
	ParamClientEncoding            ParameterStatus = "client_encoding"
	ParamIsSuperuser               ParameterStatus = "is_superuser"
	ParamSessionAuthorization      ParameterStatus = "session_authorization"
	ParamApplicationName           ParameterStatus = "application_name"
	ParamDatabase                  ParameterStatus = "database"
	ParamUsername                  ParameterStatus = "user"
	ParamServerVersion             ParameterStatus = "server_version"
	ParamDateStyle                 ParameterStatus = "DateStyle"
	ParamTimeZone                  ParameterStatus = "TimeZone"
	ParamIntegerDatetimes          ParameterStatus = "integer_datetimes"
	ParamIntervalStyle             ParameterStatus = "IntervalStyle"
	ParamStandardConformingStrings ParameterStatus = "standard_conforming_strings"
)

// setClientParameters constructs a new context containing the given parameters.
// Any previously defined metadata will be overriden.
func setClientParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxClientMetadata, params)
}

// ClientParameters returns the connection parameters if it has been set inside
// the given context.
func ClientParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxClientMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setServerParameters constructs a new context containing the given parameters map.
// Any previously defined metadata will be overriden.
func setServerParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxServerMetadata, params)
}

// ServerParameters returns the connection parameters if it has been set inside
// the given context.
func ServerParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxServerMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setRemoteAddress constructs a new context containing the remote address of
// the connected client.
func setRemoteAddress(ctx context.Context, addr net.Addr) context.Context {
	return context.WithValue(ctx, ctxRemoteAddr, addr)
}

// RemoteAddress returns the remote address of the connected client if it has
// been set inside the given context.
func RemoteAddress(ctx context.Context) net.Addr {
	val := ctx.Value(ctxRemoteAddr)
	if val == nil {
		return nil
	}

	return val.(net.Addr)
}

// tlsState couples the negotiated TLS connection state with the DER encoding
// of the server certificate presented during the handshake. The certificate is
// required for SCRAM channel binding.
type tlsState struct {
	state       tls.ConnectionState
	certificate []byte
}

func setTLSState(ctx context.Context, state tls.ConnectionState, certificate []byte) context.Context {
	return context.WithValue(ctx, ctxTLSState, tlsState{state: state, certificate: certificate})
}

// TLSConnectionState returns the TLS connection state of the client
// connection. Nil is returned whenever the connection has not been upgraded.
func TLSConnectionState(ctx context.Context) *tls.ConnectionState {
	val := ctx.Value(ctxTLSState)
	if val == nil {
		return nil
	}

	state := val.(tlsState).state
	return &state
}

// serverCertificate returns the DER encoding of the certificate the server
// presented during the TLS handshake, if any.
func serverCertificate(ctx context.Context) []byte {
	val := ctx.Value(ctxTLSState)
	if val == nil {
		return nil
	}

	return val.(tlsState).certificate
}

// BackendKey identifies a single backend connection towards cancel requests.
// Both values are handed to the client inside a BackendKeyData message.
type BackendKey struct {
	ProcessID int32
	SecretKey int32
}

func setConnectionKey(ctx context.Context, key BackendKey) context.Context {
	return context.WithValue(ctx, ctxKeyData, key)
}

// ConnectionKey returns the backend key data assigned to the connection during
// the handshake.
func ConnectionKey(ctx context.Context) BackendKey {
	val := ctx.Value(ctxKeyData)
	if val == nil {
		return BackendKey{}
	}

	return val.(BackendKey)
}
