package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pgforge/wire/codes"
	psqlerr "github.com/pgforge/wire/errors"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/types"
)

// NewErrUnimplementedMessageType is called whenever an unimplemented message
// type is sent. This error indicates to the client that the sent message cannot
// be processed at this moment in time.
func NewErrUnimplementedMessageType(t types.ClientMessage) error {
	err := fmt.Errorf("unimplemented client message type: %s", t)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ProtocolViolation), psqlerr.LevelFatal)
}

// NewErrUnknownStatement is returned whenever no prepared statement has been
// stored under the given name.
func NewErrUnknownStatement(name string) error {
	if name == "" {
		err := errors.New("unnamed prepared statement does not exist")
		return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.UndefinedPreparedStatement), psqlerr.LevelError)
	}

	err := fmt.Errorf("prepared statement %q does not exist", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.UndefinedPreparedStatement), psqlerr.LevelError)
}

// NewErrUnknownPortal is returned whenever no portal has been stored under
// the given name.
func NewErrUnknownPortal(name string) error {
	if name == "" {
		err := errors.New("unnamed portal does not exist")
		return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.UndefinedCursor), psqlerr.LevelError)
	}

	err := fmt.Errorf("portal %q does not exist", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.UndefinedCursor), psqlerr.LevelError)
}

// NewErrUndefinedStatement is returned whenever no statement has been defined
// within the incoming query.
func NewErrUndefinedStatement() error {
	err := errors.New("no statement has been defined")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

// NewErrMultipleCommandsStatements is returned whenever multiple statements have been
// given within a single query during the extended query protocol.
func NewErrMultipleCommandsStatements() error {
	err := errors.New("cannot insert multiple commands into a prepared statement")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

// newErrParameterCount is returned whenever a bind message supplies a
// different amount of parameters than the prepared statement expects.
func newErrParameterCount(given, expected int) error {
	err := fmt.Errorf("bind message supplies %d parameters, but prepared statement requires %d", given, expected)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ProtocolViolation), psqlerr.LevelError)
}

// newErrQueryCanceled is returned whenever a in-flight query has been
// canceled through a cancel request or a handler observed its context being
// canceled.
func newErrQueryCanceled() error {
	err := errors.New("canceling statement due to user request")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.QueryCanceled), psqlerr.LevelError)
}

// newErrHandlerPanic is returned whenever a embedder handler panicked while
// processing a command. The connection is closed after the error has been
// written to the client.
func newErrHandlerPanic(recovered any) error {
	err := fmt.Errorf("handler panic: %v", recovered)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Internal), psqlerr.LevelFatal)
}

// Session carries the state of a single authenticated client connection: the
// prepared statement and portal stores owned by the connection, the
// transaction status stamped on every ReadyForQuery and the extended-query
// error recovery state.
type Session struct {
	*Server

	Statements StatementCache
	Portals    PortalCache

	status types.ServerStatus

	// errored marks the extended-query error recovery substate. Once set,
	// every incoming extended-query message except Sync is discarded without
	// a reply until the next Sync message resynchronizes the stream.
	errored bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// newSession constructs the state of a freshly authenticated connection.
func (srv *Server) newSession() *Session {
	return &Session{
		Server:     srv,
		Statements: srv.statements(),
		Portals:    srv.portals(),
		status:     types.ServerIdle,
	}
}

// signal cancels the command currently being processed by the session, if
// any. The method is registered inside the cancel registry and may be invoked
// from any goroutine.
func (session *Session) signal() {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.cancel != nil {
		session.cancel()
	}
}

func (session *Session) armCancel(cancel context.CancelFunc) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.cancel = cancel
}

func (session *Session) disarmCancel() {
	session.armCancel(nil)
}

// setStatus updates the transaction status reported inside ReadyForQuery
// messages. The status is reported by the embedder through the data writer
// transaction markers, keeping the protocol layer free of SQL parsing.
func (session *Session) setStatus(status types.ServerStatus) {
	session.status = status
}

// readyForQuery indicates that the server is ready to receive queries. The
// current transaction status is stamped onto the message. This message should
// be written when a command cycle has been completed.
func (session *Session) readyForQuery(writer *buffer.Writer) error {
	return message.ReadyForQuery{Status: session.status}.Encode(writer)
}

// reportError writes the given error to the client. The optional error
// handler hook is applied before the error is written, allowing the embedder
// to rewrite the emitted fields. An error inside a transaction block moves
// the block into the failed state.
func (session *Session) reportError(ctx context.Context, writer *buffer.Writer, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = newErrQueryCanceled()
	}

	desc := psqlerr.Flatten(err)
	if session.ErrorHandler != nil {
		desc = session.ErrorHandler(ctx, desc)
	}

	if session.status == types.ServerTransaction {
		session.status = types.ServerTransactionFailed
	}

	return writeErrorFields(writer, desc)
}

// consumeCommands consumes incoming commands sent over the Postgres wire connection.
// Responses for the given message type are written back to the client.
// This method keeps consuming messages until the client issues a close message
// or the connection is terminated.
func (session *Session) consumeCommands(ctx context.Context, conn net.Conn, reader *buffer.Reader, writer *buffer.Writer) error {
	session.logger.Debug("ready for query... starting to consume commands")

	err := session.readyForQuery(writer)
	if err != nil {
		return err
	}

	for {
		err = session.consumeSingleCommand(ctx, conn, reader, writer, session.handleCommand(conn))
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}
	}
}

type commandHandler func(context.Context, types.ClientMessage, *buffer.Reader, *buffer.Writer) error

func (session *Session) consumeSingleCommand(ctx context.Context, conn net.Conn, reader *buffer.Reader, writer *buffer.Writer, handleCommand commandHandler) error {
	if session.IdleTimeout > 0 {
		err := conn.SetReadDeadline(time.Now().Add(session.IdleTimeout))
		if err != nil {
			return err
		}
	}

	t, length, err := reader.ReadTypedMsg()
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}

	// NOTE: an oversized message is discarded and reported to the client; the
	// connection stays usable.
	if errors.Is(err, buffer.ErrMessageSizeExceeded) {
		err = session.handleMessageSizeExceeded(ctx, reader, writer, err)
		if err != nil {
			return err
		}

		return nil
	}

	if err != nil {
		return err
	}

	if session.closing.Load() {
		return nil
	}

	// NOTE: we increase the wait group by one in order to make sure that idle
	// connections are not blocking a close.
	session.wg.Add(1)
	session.logger.Debug("<- incoming command", slog.Int("length", length), slog.String("type", t.String()))
	err = handleCommand(ctx, t, reader, writer)
	session.wg.Done()
	return err
}

// handleMessageSizeExceeded attempts to unwrap the given error message as
// message size exceeded. The expected message size will be consumed and
// discarded from the given reader. An error message is written to the client
// once the expected message size is read.
//
// The given error is returned if it does not contain an message size exceeded
// type. A fatal error is returned when an unexpected error is returned while
// consuming the expected message size or when attempting to write the error
// message back to the client.
func (session *Session) handleMessageSizeExceeded(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer, exceeded error) (err error) {
	unwrapped, has := buffer.UnwrapMessageSizeExceeded(exceeded)
	if !has {
		return exceeded
	}

	err = reader.Slurp(unwrapped.Size)
	if err != nil {
		return err
	}

	err = session.reportError(ctx, writer, exceeded)
	if err != nil {
		return err
	}

	return session.readyForQuery(writer)
}

// extendedOnly reports whether the given message type is only processed as
// part of an extended-query batch and is subject to the skip-until-Sync
// error recovery.
func extendedOnly(t types.ClientMessage) bool {
	switch t {
	case types.ClientParse, types.ClientBind, types.ClientDescribe,
		types.ClientExecute, types.ClientClose, types.ClientFlush:
		return true
	}

	return false
}

// handleCommand handles the given client message. A client message includes a
// message type and reader buffer containing the actual message. The type
// indecates a action executed by the client.
// https://www.postgresql.org/docs/current/protocol-message-formats.html
func (session *Session) handleCommand(conn net.Conn) commandHandler {
	return func(ctx context.Context, t types.ClientMessage, reader *buffer.Reader, writer *buffer.Writer) (err error) {
		var cancel context.CancelFunc
		if session.QueryTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, session.QueryTimeout)
		} else {
			ctx, cancel = context.WithCancel(ctx)
		}
		defer cancel()

		session.armCancel(cancel)
		defer session.disarmCancel()

		defer func() {
			// NOTE: panics inside embedder handlers are converted into a
			// fatal error response; the connection is closed afterwards
			// while the listener keeps serving other connections.
			if recovered := recover(); recovered != nil {
				session.logger.Error("recovered from a handler panic", "panic", recovered)
				_ = session.reportError(ctx, writer, newErrHandlerPanic(recovered))
				_ = conn.Close()
				err = io.EOF
			}
		}()

		// NOTE: when an error is detected while processing any extended-query
		// message, the backend issues ErrorResponse, then reads and discards
		// messages until a Sync is reached, then issues ReadyForQuery and
		// returns to normal message processing.
		// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-FLOW-EXT-QUERY
		if session.errored && extendedOnly(t) {
			return nil
		}

		switch t {
		case types.ClientSimpleQuery:
			return session.handleSimpleQuery(ctx, reader, writer)
		case types.ClientParse:
			return session.handleParse(ctx, reader, writer)
		case types.ClientBind:
			return session.handleBind(ctx, reader, writer)
		case types.ClientDescribe:
			return session.handleDescribe(ctx, reader, writer)
		case types.ClientExecute:
			return session.handleExecute(ctx, reader, writer)
		case types.ClientClose:
			return session.handleClose(ctx, reader, writer)
		case types.ClientFlush:
			// NOTE: all frames are flushed to the underlying connection as
			// they are completed; there is no pending output to deliver and
			// no protocol reply is defined for Flush.
			return nil
		case types.ClientSync:
			return session.handleSync(ctx, writer)
		case types.ClientCopyData, types.ClientCopyDone, types.ClientCopyFail:
			// We're supposed to ignore these messages, per the protocol spec. This
			// state will happen when an error occurs on the server-side during a copy
			// operation: the server will send an error and a ready message back to
			// the client, and must then ignore further copy messages. See:
			// https://github.com/postgres/postgres/blob/6e1dd2773eb60a6ab87b27b8d9391b756e904ac3/src/backend/tcop/postgres.c#L4295
			return nil
		case types.ClientTerminate:
			err := session.handleConnTerminate(ctx)
			if err != nil {
				return err
			}

			err = conn.Close()
			if err != nil {
				return err
			}

			return io.EOF
		default:
			err := session.reportError(ctx, writer, NewErrUnimplementedMessageType(t))
			if err != nil {
				return err
			}

			return io.EOF
		}
	}
}

func (session *Session) handleSimpleQuery(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	// NOTE: a simple query acts as an implicit sync point, leaving the
	// extended-query error recovery substate.
	session.errored = false

	if session.parse == nil {
		err := session.reportError(ctx, writer, NewErrUnimplementedMessageType(types.ClientSimpleQuery))
		if err != nil {
			return err
		}

		return session.readyForQuery(writer)
	}

	query, err := message.DecodeQuery(reader)
	if err != nil {
		return err
	}

	session.logger.Debug("incoming simple query", slog.String("query", query.Statement))

	// NOTE: If a completely empty (no contents other than whitespace) query
	// string is received, the response is EmptyQueryResponse followed by
	// ReadyForQuery.
	// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-FLOW-EXT-QUERY
	if strings.TrimSpace(query.Statement) == "" {
		err = message.EmptyQueryResponse{}.Encode(writer)
		if err != nil {
			return err
		}

		return session.readyForQuery(writer)
	}

	statements, err := session.parse(ctx, query.Statement)
	if err == nil && len(statements) == 0 {
		err = NewErrUndefinedStatement()
	}

	if err != nil {
		err = session.reportError(ctx, writer, err)
		if err != nil {
			return err
		}

		return session.readyForQuery(writer)
	}

	// NOTE: it is possible to send multiple statements in one simple query.
	// An error stops the processing of the remaining statements in the batch.
	for index := range statements {
		err = session.executeStatement(ctx, reader, writer, statements[index])
		if err != nil {
			err = session.reportError(ctx, writer, err)
			if err != nil {
				return err
			}

			break
		}
	}

	return session.readyForQuery(writer)
}

// executeStatement writes the row description of the given statement and
// hands a data writer to the statement handler.
func (session *Session) executeStatement(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer, stmt *PreparedStatement) error {
	err := stmt.columns.Define(ctx, writer, nil)
	if err != nil {
		return err
	}

	data := &dataWriter{
		ctx:      ctx,
		columns:  stmt.columns,
		client:   writer,
		reader:   reader,
		transact: session.setStatus,
	}

	return stmt.fn(ctx, data, nil)
}

func (session *Session) handleParse(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	if session.parse == nil {
		return session.extendedQueryError(ctx, writer, NewErrUnimplementedMessageType(types.ClientParse))
	}

	msg, err := message.DecodeParse(reader)
	if err != nil {
		return err
	}

	session.logger.Debug("incoming extended query",
		slog.String("query", msg.Query),
		slog.String("name", msg.Name),
		slog.Int("parameters", len(msg.ParameterTypes)))

	statement, err := singleStatement(session.parse(ctx, msg.Query))
	if err != nil {
		return session.extendedQueryError(ctx, writer, err)
	}

	// NOTE: the client may prespecify parameter types; the declared types are
	// adopted whenever the parser did not infer any, and a declared type fills
	// every parameter the parser left unspecified (OID zero). The stored
	// statement is cloned as prepared statements may be shared across
	// connections.
	if len(msg.ParameterTypes) > 0 && len(statement.parameters) == 0 {
		clone := *statement
		clone.parameters = msg.ParameterTypes
		statement = &clone
	} else if len(msg.ParameterTypes) > 0 {
		clone := *statement
		clone.parameters = append(clone.parameters[:0:0], statement.parameters...)
		for index, declared := range msg.ParameterTypes {
			if index < len(clone.parameters) && clone.parameters[index] == 0 {
				clone.parameters[index] = declared
			}
		}
		statement = &clone
	}

	err = session.Statements.Set(ctx, msg.Name, statement)
	if err != nil {
		return session.extendedQueryError(ctx, writer, err)
	}

	// NOTE: replacing a statement invalidates every portal bound against the
	// previously stored statement.
	err = session.Portals.Invalidate(ctx, msg.Name)
	if err != nil {
		return session.extendedQueryError(ctx, writer, err)
	}

	return message.ParseComplete{}.Encode(writer)
}

func (session *Session) handleBind(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	msg, err := message.DecodeBind(reader)
	if err != nil {
		return err
	}

	stmt, err := session.Statements.Get(ctx, msg.Statement)
	if err != nil {
		return session.extendedQueryError(ctx, writer, err)
	}

	if stmt == nil {
		return session.extendedQueryError(ctx, writer, NewErrUnknownStatement(msg.Statement))
	}

	if len(msg.Parameters) != len(stmt.parameters) {
		return session.extendedQueryError(ctx, writer, newErrParameterCount(len(msg.Parameters), len(stmt.parameters)))
	}

	parameters := make([]Parameter, len(msg.Parameters))
	for index, value := range msg.Parameters {
		parameters[index] = NewParameter(parameterFormat(msg.ParameterFormats, index), value)
	}

	portal := &Portal{
		Statement:     stmt,
		StatementName: msg.Statement,
		Parameters:    parameters,
		Formats:       msg.ResultFormats,
	}

	err = session.Portals.Bind(ctx, msg.Portal, portal)
	if err != nil {
		return session.extendedQueryError(ctx, writer, err)
	}

	return message.BindComplete{}.Encode(writer)
}

// parameterFormat returns the format code of the parameter at the given
// index. The format list of a bind message may be empty (text for all
// parameters), contain a single code applied to all parameters, or one code
// per parameter.
func parameterFormat(formats []FormatCode, index int) FormatCode {
	switch len(formats) {
	case 0:
		return TextFormat
	case 1:
		return formats[0]
	default:
		if index >= len(formats) {
			return TextFormat
		}

		return formats[index]
	}
}

func (session *Session) handleDescribe(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	msg, err := message.DecodeDescribe(reader)
	if err != nil {
		return err
	}

	session.logger.Debug("incoming describe request", slog.String("type", msg.Target.String()), slog.String("name", msg.Name))

	switch msg.Target {
	case types.DescribeStatement:
		stmt, err := session.Statements.Get(ctx, msg.Name)
		if err != nil {
			return session.extendedQueryError(ctx, writer, err)
		}

		if stmt == nil {
			return session.extendedQueryError(ctx, writer, NewErrUnknownStatement(msg.Name))
		}

		err = message.ParameterDescription{Types: stmt.parameters}.Encode(writer)
		if err != nil {
			return err
		}

		// NOTE: the result format codes are not yet known at this point in time.
		return session.writeColumnDescription(ctx, writer, nil, stmt.columns)
	case types.DescribePortal:
		portal, err := session.Portals.Get(ctx, msg.Name)
		if err != nil {
			return session.extendedQueryError(ctx, writer, err)
		}

		if portal == nil {
			return session.extendedQueryError(ctx, writer, NewErrUnknownPortal(msg.Name))
		}

		// NOTE: a described portal never replies with a parameter
		// description, the parameters have already been bound.
		return session.writeColumnDescription(ctx, writer, portal.Formats, portal.Statement.columns)
	default:
		return session.extendedQueryError(ctx, writer, fmt.Errorf("unknown describe target: %s", string(msg.Target)))
	}
}

// writeColumnDescription attempts to write the statement column descriptions
// back to the writer buffer. Information about the returned columns is written
// to the client or a no data message if no columns are returned.
func (session *Session) writeColumnDescription(ctx context.Context, writer *buffer.Writer, formats []FormatCode, columns Columns) error {
	if len(columns) == 0 {
		return message.NoData{}.Encode(writer)
	}

	return columns.Define(ctx, writer, formats)
}

func (session *Session) handleExecute(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	msg, err := message.DecodeExecute(reader)
	if err != nil {
		return err
	}

	session.logger.Debug("executing", slog.String("name", msg.Portal), slog.Int("max_rows", int(msg.MaxRows)))

	portal, err := session.Portals.Get(ctx, msg.Portal)
	if err != nil {
		return session.extendedQueryError(ctx, writer, err)
	}

	if portal == nil {
		return session.extendedQueryError(ctx, writer, NewErrUnknownPortal(msg.Portal))
	}

	data := &dataWriter{
		ctx:      ctx,
		columns:  portal.Statement.columns,
		formats:  portal.Formats,
		client:   writer,
		reader:   reader,
		offset:   portal.suspended,
		limit:    uint64(msg.MaxRows),
		transact: session.setStatus,
	}

	err = portal.Statement.fn(ctx, data, portal.Parameters)
	if data.suspended && (err == nil || errors.Is(err, errPortalSuspended)) {
		// NOTE: the portal remains live; a subsequent execute continues
		// after the rows which have already been delivered.
		portal.suspended = data.offset + data.written
		return message.PortalSuspended{}.Encode(writer)
	}

	if err != nil {
		return session.extendedQueryError(ctx, writer, err)
	}

	return nil
}

func (session *Session) handleClose(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	msg, err := message.DecodeClose(reader)
	if err != nil {
		return err
	}

	switch msg.Target {
	case types.DescribeStatement:
		err = session.Statements.Remove(ctx, msg.Name)
		if err != nil {
			return session.extendedQueryError(ctx, writer, err)
		}

		// NOTE: closing a statement invalidates every portal bound against
		// it, synchronously.
		err = session.Portals.Invalidate(ctx, msg.Name)
		if err != nil {
			return session.extendedQueryError(ctx, writer, err)
		}
	case types.DescribePortal:
		err = session.Portals.Remove(ctx, msg.Name)
		if err != nil {
			return session.extendedQueryError(ctx, writer, err)
		}
	default:
		return session.extendedQueryError(ctx, writer, fmt.Errorf("unknown close target: %s", string(msg.Target)))
	}

	return message.CloseComplete{}.Encode(writer)
}

// handleSync ends the current extended-query batch. The skip-until-Sync
// recovery substate is left, the unnamed portal is destroyed and a
// ReadyForQuery message carrying the current transaction status is written.
// Note that no skipping occurs if an error is detected while processing Sync,
// ensuring that one and only one ReadyForQuery is sent for each Sync.
func (session *Session) handleSync(ctx context.Context, writer *buffer.Writer) error {
	session.errored = false

	err := session.Portals.Remove(ctx, "")
	if err != nil {
		return err
	}

	if session.OnSync != nil {
		err = session.OnSync(ctx)
		if err != nil {
			return err
		}
	}

	return session.readyForQuery(writer)
}

// extendedQueryError reports the given error to the client and enters the
// skip-until-Sync recovery substate. Subsequent extended-query messages are
// discarded without a reply until the next Sync.
func (session *Session) extendedQueryError(ctx context.Context, writer *buffer.Writer, err error) error {
	session.errored = true
	return session.reportError(ctx, writer, err)
}

func (session *Session) handleConnTerminate(ctx context.Context) error {
	if session.TerminateConn == nil {
		return nil
	}

	return session.TerminateConn(ctx)
}

func singleStatement(stmts PreparedStatements, err error) (*PreparedStatement, error) {
	if err != nil {
		return nil, err
	}

	if len(stmts) > 1 {
		return nil, NewErrMultipleCommandsStatements()
	}

	if len(stmts) == 0 {
		return nil, NewErrUndefinedStatement()
	}

	return stmts[0], nil
}
