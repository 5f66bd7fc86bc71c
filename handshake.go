package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"maps"
	"net"

	"github.com/pgforge/wire/codes"
	psqlerr "github.com/pgforge/wire/errors"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/types"
)

// newErrTLSRequired is returned whenever the server mandates TLS but the
// client attempts to continue over an insecure connection.
func newErrTLSRequired() error {
	err := errors.New("server requires a TLS connection")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ProtocolViolation), psqlerr.LevelFatal)
}

// Handshake performs the connection handshake and returns the connection
// version and a buffered reader to read incoming messages send by the client.
func (srv *Server) Handshake(conn net.Conn) (_ net.Conn, version types.Version, reader *buffer.Reader, err error) {
	reader = buffer.NewReader(srv.logger, conn, srv.MaxMessageSize)
	version, err = srv.readVersion(reader)
	if err != nil {
		return conn, version, reader, err
	}

	// NOTE: GSS encryption is not supported. The request is politely
	// rejected after which the client continues with a regular startup
	// message over the insecure connection.
	// https://www.postgresql.org/docs/current/gssapi-auth.html
	for version == types.VersionGSSENC {
		_, err = conn.Write(sslUnsupported)
		if err != nil {
			return conn, version, reader, err
		}

		version, err = srv.readVersion(reader)
		if err != nil {
			return conn, version, reader, err
		}
	}

	conn, reader, version, err = srv.potentialConnUpgrade(conn, reader, version)
	if err != nil {
		return conn, version, reader, err
	}

	if version == types.VersionCancel {
		processID, secretKey, err := srv.readCancelRequest(reader)
		if err != nil {
			return conn, version, reader, err
		}

		srv.logger.Debug("received cancel request", slog.Int("process_id", int(processID)))

		// NOTE: the cancel connection is closed without a reply. Unknown
		// keys are ignored silently so the request cannot be used to probe
		// for live connections.
		ctx := context.Background()
		if srv.CancelRequest != nil {
			err = srv.CancelRequest(ctx, processID, secretKey)
			if err != nil {
				srv.logger.Error("failed to handle cancel request", "err", err)
			}

			return conn, version, reader, nil
		}

		srv.cancels.Signal(processID, secretKey)
		return conn, version, reader, nil
	}

	return conn, version, reader, nil
}

// readVersion reads the start-up protocol version (uint32) and the
// buffer containing the rest.
func (srv *Server) readVersion(reader *buffer.Reader) (_ types.Version, err error) {
	var version uint32
	_, err = reader.ReadUntypedMsg()
	if err != nil {
		return 0, err
	}

	version, err = reader.GetUint32()
	if err != nil {
		return 0, err
	}

	return types.Version(version), nil
}

// readCancelRequest reads the cancel request parameters (processID and secretKey)
// from the client connection. The full cancel request format is:
// Int32(16) - Length of message contents in bytes, including self
// Int32(80877102) - The cancel request code (already read as version)
// Int32 - The process ID of the target backend
// Int32 - The secret key for the target backend
// The first two fields are already handled by readVersion, so this only needs
// to read the last two fields.
func (srv *Server) readCancelRequest(reader *buffer.Reader) (processID int32, secretKey int32, err error) {
	processID, err = reader.GetInt32()
	if err != nil {
		return 0, 0, err
	}

	secretKey, err = reader.GetInt32()
	if err != nil {
		return 0, 0, err
	}

	return processID, secretKey, nil
}

// readClientParameters reads the key/value connection parameters send by the client.
// The read parameters will be set inside the given context. A new context containing
// the consumed parameters will be returned.
func (srv *Server) readClientParameters(ctx context.Context, reader *buffer.Reader) (_ context.Context, err error) {
	meta := make(Parameters)

	srv.logger.Debug("reading client parameters")

	for {
		key, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		// an empty key indicates the end of the connection parameters
		if len(key) == 0 {
			break
		}

		value, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		srv.logger.Debug("client parameter", slog.String("key", key), slog.String("value", value))
		meta[ParameterStatus(key)] = value
	}

	return setClientParameters(ctx, meta), nil
}

// writeParameters writes the server parameters such as client encoding to the client.
// The written parameters will be attached as a value to the given context. A new
// context containing the written parameters will be returned.
// https://www.postgresql.org/docs/current/libpq-status.html
func (srv *Server) writeParameters(ctx context.Context, writer *buffer.Writer, params Parameters) (_ context.Context, err error) {
	if params == nil {
		params = make(Parameters, 12)
	} else {
		params = maps.Clone(params)
	}

	srv.logger.Debug("writing server parameters")

	defaults := Parameters{
		ParamServerEncoding:            "UTF8",
		ParamClientEncoding:            "UTF8",
		ParamServerVersion:             srv.Version,
		ParamDateStyle:                 "ISO, MDY",
		ParamTimeZone:                  "UTC",
		ParamIntegerDatetimes:          "on",
		ParamIntervalStyle:             "postgres",
		ParamStandardConformingStrings: "on",
	}

	for key, value := range defaults {
		if _, has := params[key]; !has && value != "" {
			params[key] = value
		}
	}

	params[ParamIsSuperuser] = buffer.EncodeBoolean(IsSuperUser(ctx))
	params[ParamSessionAuthorization] = AuthenticatedUsername(ctx)

	for key, value := range params {
		srv.logger.Debug("server parameter", slog.String("key", string(key)), slog.String("value", value))

		err = message.ParameterStatus{Key: string(key), Value: value}.Encode(writer)
		if err != nil {
			return ctx, err
		}
	}

	return setServerParameters(ctx, params), nil
}

// potentialConnUpgrade potentially upgrades the given connection using TLS
// if the client requests for it. The connection upgrade is ignored if the
// server does not support a secure connection.
func (srv *Server) potentialConnUpgrade(conn net.Conn, reader *buffer.Reader, version types.Version) (_ net.Conn, _ *buffer.Reader, _ types.Version, err error) {
	if version != types.VersionSSLRequest {
		if _, secure := conn.(*tls.Conn); !secure && srv.RequireTLS == TLSRequire && version != types.VersionCancel {
			srv.logger.Warn("client is requesting no TLS, but the server mandates TLS")
			return conn, reader, version, newErrTLSRequired()
		}

		return conn, reader, version, nil
	}

	srv.logger.Debug("attempting to upgrade the client to a TLS connection")

	if srv.TLSConfig == nil || len(srv.TLSConfig.Certificates) == 0 {
		if srv.RequireTLS == TLSRequire {
			srv.logger.Warn("server mandates TLS, but does not possess the requisite certificates")
			return conn, reader, version, newErrTLSRequired()
		}

		srv.logger.Debug("no TLS certificates available continuing with a insecure connection")
		return srv.sslUnsupported(conn, reader, version)
	}

	_, err = conn.Write(sslSupported)
	if err != nil {
		return conn, reader, version, err
	}

	// NOTE: initialize the TLS connection and construct a new buffered
	// reader for the constructed TLS connection.
	conn = tls.Server(conn, srv.TLSConfig)
	reader = buffer.NewReader(srv.logger, conn, srv.MaxMessageSize)

	version, err = srv.readVersion(reader)
	if err != nil {
		return conn, reader, version, err
	}

	srv.logger.Debug("connection has been upgraded successfully")
	return conn, reader, version, err
}

// sslUnsupported announces to the PostgreSQL client that we are unable to
// upgrade the connection to a secure connection at this time. The client
// version is read again once the insecure connection has been announced.
func (srv *Server) sslUnsupported(conn net.Conn, reader *buffer.Reader, version types.Version) (_ net.Conn, _ *buffer.Reader, _ types.Version, err error) {
	_, err = conn.Write(sslUnsupported)
	if err != nil {
		return conn, reader, version, err
	}

	version, err = srv.readVersion(reader)
	if err != nil {
		return conn, reader, version, err
	}

	if version == types.VersionCancel {
		return conn, reader, version, errors.New("unexpected cancel version after upgrading the client connection")
	}

	return conn, reader, version, nil
}
