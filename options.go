package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// OptionFn options pattern used to define and set options for the given
// PostgreSQL server.
type OptionFn func(*Server) error

// SimpleQueryFn represents a callback executing a single simple query.
type SimpleQueryFn func(ctx context.Context, query string, writer DataWriter, parameters []Parameter) error

// SimpleQuery sets the simple query handle inside the given server instance.
// The handler is wrapped into a parse function preparing a single statement
// for every incoming query.
func SimpleQuery(fn SimpleQueryFn) OptionFn {
	return func(srv *Server) error {
		if srv.parse != nil {
			return errors.New("simple query handler could not set if a query parser is set")
		}

		srv.parse = func(ctx context.Context, query string) (PreparedStatements, error) {
			statement := NewStatement(func(ctx context.Context, writer DataWriter, parameters []Parameter) error {
				return fn(ctx, query, writer, parameters)
			}, WithParameters(ParseParameters(query)))

			return Prepared(statement), nil
		}

		return nil
	}
}

// Parse sets the given parse function used to parse queries into prepared
// statements inside the given server.
func Parse(fn ParseFn) OptionFn {
	return func(srv *Server) error {
		if srv.parse != nil {
			return errors.New("parse function could not be set if a simple query handler is set")
		}

		srv.parse = fn
		return nil
	}
}

// Logger sets the given structured logger as the default logger for the
// given server.
func Logger(logger *slog.Logger) OptionFn {
	return func(srv *Server) error {
		srv.logger = logger
		return nil
	}
}

// Version sets the PostgreSQL version reported to connecting clients inside
// the server_version parameter.
func Version(version string) OptionFn {
	return func(srv *Server) error {
		srv.Version = version
		return nil
	}
}

// GlobalParameters sets the server parameters which are announced to every
// connecting client once authenticated.
func GlobalParameters(params Parameters) OptionFn {
	return func(srv *Server) error {
		srv.Parameters = params
		return nil
	}
}

// SessionAuthStrategy sets the authentication strategy used to authenticate
// incoming connections.
func SessionAuthStrategy(fn AuthStrategy) OptionFn {
	return func(srv *Server) error {
		srv.Auth = fn
		return nil
	}
}

// TLSConfig sets the TLS configuration used to upgrade connections whenever a
// client requests it. Nil leaves TLS support disabled.
func TLSConfig(config *tls.Config) OptionFn {
	return func(srv *Server) error {
		srv.TLSConfig = config
		return nil
	}
}

// Certificates sets the given certificates as the TLS server certificates,
// constructing a TLS configuration whenever none has been set before.
func Certificates(certs []tls.Certificate) OptionFn {
	return func(srv *Server) error {
		if srv.TLSConfig == nil {
			srv.TLSConfig = &tls.Config{}
		}

		srv.TLSConfig.Certificates = certs
		return nil
	}
}

// ClientAuth sets the client certificate authentication policy on the TLS
// configuration of the given server.
func ClientAuth(auth tls.ClientAuthType) OptionFn {
	return func(srv *Server) error {
		if srv.TLSConfig == nil {
			srv.TLSConfig = &tls.Config{}
		}

		srv.TLSConfig.ClientAuth = auth
		return nil
	}
}

// RequireTLS configures how the server treats connections which have not
// been upgraded to TLS.
func RequireTLS(policy TLSPolicy) OptionFn {
	return func(srv *Server) error {
		srv.RequireTLS = policy
		return nil
	}
}

// DirectTLS accepts a TLS handshake as the first bytes of a fresh connection,
// as introduced in PostgreSQL 17 (sslnegotiation=direct).
func DirectTLS() OptionFn {
	return func(srv *Server) error {
		srv.DirectTLS = true
		return nil
	}
}

// MaxMessageSize sets the maximum amount of bytes a single protocol message
// is allowed to carry. Larger messages are rejected with an error response.
func MaxMessageSize(size int) OptionFn {
	return func(srv *Server) error {
		srv.MaxMessageSize = size
		return nil
	}
}

// StartupTimeout bounds the wait for the startup message and authentication
// exchange of a fresh connection.
func StartupTimeout(timeout time.Duration) OptionFn {
	return func(srv *Server) error {
		srv.StartupTimeout = timeout
		return nil
	}
}

// IdleTimeout bounds the wait for the next command of an authenticated
// connection. The connection is terminated once the timeout expires.
func IdleTimeout(timeout time.Duration) OptionFn {
	return func(srv *Server) error {
		srv.IdleTimeout = timeout
		return nil
	}
}

// QueryTimeout bounds the processing of a single command. A command
// exceeding the timeout is aborted with a query canceled error.
func QueryTimeout(timeout time.Duration) OptionFn {
	return func(srv *Server) error {
		srv.QueryTimeout = timeout
		return nil
	}
}

// SessionMiddleware sets the given session handler used to decorate the
// context of authenticated connections.
func SessionMiddleware(fn SessionHandler) OptionFn {
	return func(srv *Server) error {
		srv.Session = fn
		return nil
	}
}

// OnErrorResponse sets the given error handler hook invoked before an error
// response is written to a client.
func OnErrorResponse(fn ErrorHandler) OptionFn {
	return func(srv *Server) error {
		srv.ErrorHandler = fn
		return nil
	}
}

// BackendKeyData overrides the built-in cancel registry with the given key
// data allocation hook. Cancel requests have to be resolved by a matching
// CancelRequest hook.
func BackendKeyData(fn BackendKeyDataFn) OptionFn {
	return func(srv *Server) error {
		srv.BackendKeyData = fn
		return nil
	}
}

// CancelRequest sets the given hook used to resolve incoming cancel requests
// instead of the built-in cancel registry.
func CancelRequest(fn CancelRequestFn) OptionFn {
	return func(srv *Server) error {
		srv.CancelRequest = fn
		return nil
	}
}

// OnSync sets a hook which is invoked whenever a Sync message ends an
// extended-query batch, before the ReadyForQuery is written.
func OnSync(fn CloseFn) OptionFn {
	return func(srv *Server) error {
		srv.OnSync = fn
		return nil
	}
}

// CloseConn sets a hook which is invoked once a connection has been closed.
func CloseConn(fn CloseFn) OptionFn {
	return func(srv *Server) error {
		srv.CloseConn = fn
		return nil
	}
}

// TerminateConn sets a hook which is invoked once a connection sends a
// terminate message.
func TerminateConn(fn CloseFn) OptionFn {
	return func(srv *Server) error {
		srv.TerminateConn = fn
		return nil
	}
}

// StatementCacheFn sets the constructor used to create the prepared statement
// store of every new connection.
func StatementCacheFn(fn func() StatementCache) OptionFn {
	return func(srv *Server) error {
		srv.statements = fn
		return nil
	}
}

// PortalCacheFn sets the constructor used to create the portal store of every
// new connection.
func PortalCacheFn(fn func() PortalCache) OptionFn {
	return func(srv *Server) error {
		srv.portals = fn
		return nil
	}
}

// ExtendTypes applies the given function to the Postgres type map of the
// server, allowing embedders to register additional data types.
func ExtendTypes(fn func(*pgtype.Map)) OptionFn {
	return func(srv *Server) error {
		fn(srv.types)
		return nil
	}
}
