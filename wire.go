package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/types"
)

// ListenAndServe opens a new Postgres server using the given address and
// default configurations. The given handler function is used to handle simple
// queries. This method should be used to construct a simple Postgres server for
// testing purposes or simple use cases.
func ListenAndServe(address string, handler ParseFn) error {
	server, err := NewServer(handler)
	if err != nil {
		return err
	}

	return server.ListenAndServe(address)
}

// NewServer constructs a new Postgres server using the given parse function and server options.
func NewServer(parse ParseFn, options ...OptionFn) (*Server, error) {
	srv := &Server{
		parse:      parse,
		logger:     slog.Default(),
		closer:     make(chan struct{}),
		types:      NewTypeMap(),
		cancels:    NewCancelRegistry(),
		Version:    "15.0",
		RequireTLS: TLSPrefer,
		Session:    func(ctx context.Context) (context.Context, error) { return ctx, nil },
		statements: func() StatementCache { return &DefaultStatementCache{} },
		portals:    func() PortalCache { return &DefaultPortalCache{} },
	}

	for _, option := range options {
		err := option(srv)
		if err != nil {
			return nil, fmt.Errorf("unexpected error while attempting to configure a new server: %w", err)
		}
	}

	return srv, nil
}

// CloseFn is a hook which is invoked once a connection reaches the given
// lifecycle stage.
type CloseFn func(ctx context.Context) error

// SessionHandler decorates the context of a freshly authenticated connection.
// The returned context is used for the remaining lifetime of the connection.
type SessionHandler func(ctx context.Context) (context.Context, error)

// Server contains options for listening to an address.
type Server struct {
	closing atomic.Bool
	wg      sync.WaitGroup
	logger  *slog.Logger
	types   *pgtype.Map
	cancels *CancelRegistry
	parse   ParseFn
	closer  chan struct{}

	statements func() StatementCache
	portals    func() PortalCache

	Auth           AuthStrategy
	MaxMessageSize int
	Parameters     Parameters
	TLSConfig      *tls.Config
	RequireTLS     TLSPolicy
	DirectTLS      bool
	StartupTimeout time.Duration
	IdleTimeout    time.Duration
	QueryTimeout   time.Duration
	Session        SessionHandler
	ErrorHandler   ErrorHandler
	BackendKeyData BackendKeyDataFn
	CancelRequest  CancelRequestFn
	OnSync         CloseFn
	CloseConn      CloseFn
	TerminateConn  CloseFn
	Version        string
}

// ListenAndServe opens a new Postgres server on the preconfigured address and
// starts accepting and serving incoming client connections.
func (srv *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	return srv.Serve(listener)
}

// Serve accepts and serves incoming Postgres client connections using the
// preconfigured configurations. The given listener will be closed once the
// server is gracefully closed.
func (srv *Server) Serve(listener net.Listener) error {
	defer srv.logger.Info("closing server")

	srv.logger.Info("serving incoming connections", slog.String("addr", listener.Addr().String()))
	srv.wg.Add(1)

	// NOTE: handle graceful shutdowns
	go func() {
		defer srv.wg.Done()
		<-srv.closer

		err := listener.Close()
		if err != nil {
			srv.logger.Error("unexpected error while attempting to close the net listener", "err", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return err
		}

		go func() {
			ctx := context.Background()
			err = srv.serve(ctx, conn)
			if err != nil {
				srv.logger.Error("an unexpected error got returned while serving a client connection", "err", err)
			}
		}()
	}
}

func (srv *Server) serve(ctx context.Context, conn net.Conn) error {
	ctx = setTypeMap(ctx, srv.types)
	ctx = setRemoteAddress(ctx, conn.RemoteAddr())
	defer conn.Close()

	srv.logger.Debug("serving a new client connection")

	if srv.StartupTimeout > 0 {
		err := conn.SetReadDeadline(time.Now().Add(srv.StartupTimeout))
		if err != nil {
			return err
		}
	}

	var err error
	if srv.DirectTLS && srv.TLSConfig != nil {
		conn, err = srv.maybeDirectTLS(conn)
		if err != nil {
			return err
		}
	}

	conn, version, reader, err := srv.Handshake(conn)
	if err != nil {
		return srv.writeFatal(conn, err)
	}

	if version == types.VersionCancel {
		return conn.Close()
	}

	srv.logger.Debug("handshake successfull, validating authentication")

	if secure, ok := conn.(*tls.Conn); ok {
		ctx = setTLSState(ctx, secure.ConnectionState(), srv.leafCertificate())
	}

	writer := buffer.NewWriter(srv.logger, conn)
	ctx, err = srv.readClientParameters(ctx, reader)
	if err != nil {
		return err
	}

	err = srv.handleAuth(ctx, reader, writer)
	if err != nil {
		return srv.writeFatal(conn, err)
	}

	// NOTE: startup has completed; the connection is no longer subject to
	// the startup timeout.
	err = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return err
	}

	srv.logger.Debug("connection authenticated, writing server parameters")

	session := srv.newSession()
	key, err := srv.registerSession(ctx, session)
	if err != nil {
		return err
	}
	defer srv.cancels.Deregister(key)
	ctx = setConnectionKey(ctx, key)

	defer func() {
		_ = session.Statements.Clear(ctx)
		_ = session.Portals.Clear(ctx)
	}()

	ctx, err = srv.writeParameters(ctx, writer, srv.Parameters)
	if err != nil {
		return err
	}

	err = message.BackendKeyData{ProcessID: key.ProcessID, SecretKey: key.SecretKey}.Encode(writer)
	if err != nil {
		return err
	}

	ctx, err = srv.Session(ctx)
	if err != nil {
		return err
	}

	if srv.CloseConn != nil {
		defer srv.CloseConn(ctx) //nolint:errcheck
	}

	return session.consumeCommands(ctx, conn, reader, writer)
}

// registerSession allocates the backend key data of the given session and
// couples its cancellation signal to the process-wide cancel registry. The
// embedder supplied key data hook takes precedence over the built-in registry.
func (srv *Server) registerSession(ctx context.Context, session *Session) (BackendKey, error) {
	if srv.BackendKeyData != nil {
		processID, secretKey := srv.BackendKeyData(ctx)
		return BackendKey{ProcessID: processID, SecretKey: secretKey}, nil
	}

	return srv.cancels.Register(session.signal)
}

// writeFatal attempts to write the given error to the client before the
// connection is closed. Write failures are ignored; the connection is beyond
// recovery at this point.
func (srv *Server) writeFatal(conn net.Conn, err error) error {
	if err == nil {
		return nil
	}

	writer := buffer.NewWriter(srv.logger, conn)
	_ = ErrorCode(writer, err)
	return err
}

// leafCertificate returns the DER encoding of the certificate presented
// during the TLS handshake, used for SCRAM channel binding.
func (srv *Server) leafCertificate() []byte {
	if srv.TLSConfig == nil || len(srv.TLSConfig.Certificates) == 0 {
		return nil
	}

	if len(srv.TLSConfig.Certificates[0].Certificate) == 0 {
		return nil
	}

	return srv.TLSConfig.Certificates[0].Certificate[0]
}

// Close gracefully closes the underlaying Postgres server.
func (srv *Server) Close() error {
	if srv.closing.Load() {
		return nil
	}

	srv.closing.Store(true)
	close(srv.closer)
	srv.wg.Wait()
	return nil
}
