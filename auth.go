package wire

import (
	"context"
	"crypto/md5" //nolint:gosec // mandated by the Postgres wire protocol
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/pgforge/wire/codes"
	psqlerr "github.com/pgforge/wire/errors"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/types"
)

// AuthStrategy represents a authentication strategy used to authenticate a user
type AuthStrategy func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error)

// newErrInvalidCredentials is returned whenever the client presented invalid
// or unknown credentials. The error is fatal; the connection is terminated
// once the error has been written to the client.
func newErrInvalidCredentials() error {
	err := errors.New("password authentication failed")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidPassword), psqlerr.LevelFatal)
}

// newErrUnexpectedPassword is returned whenever the client responded to an
// authentication request with an unexpected message type.
func newErrUnexpectedPassword(t types.ClientMessage) error {
	err := fmt.Errorf("unexpected message type %s, expected a password message", t)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ProtocolViolation), psqlerr.LevelFatal)
}

// handleAuth handles the client authentication for the given connection.
// This methods validates the incoming credentials and writes to the client whether
// the provided credentials are correct. When the provided credentials are invalid
// or any unexpected error occures is an error returned and should the connection be closed.
func (srv *Server) handleAuth(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	srv.logger.Debug("authenticating client connection")

	if srv.Auth == nil {
		// No authentication strategy configured.
		// Announcing to the client that the connection is authenticated
		return authenticationOk(writer)
	}

	return srv.Auth(ctx, writer, reader)
}

// authenticationOk announces to the client that the connection has been
// authenticated and that the server is about to enter the ready cycle.
func authenticationOk(writer *buffer.Writer) error {
	return message.Authentication{Request: types.AuthenticationOk}.Encode(writer)
}

// readPassword awaits the password message answering a previously written
// authentication request. The password kind decides which variant of the
// shared message tag is decoded.
func readPassword(reader *buffer.Reader, kind message.PasswordKind) (message.FrontendMessage, error) {
	t, _, err := reader.ReadTypedMsg()
	if err != nil {
		return nil, err
	}

	if t != types.ClientPassword {
		return nil, newErrUnexpectedPassword(t)
	}

	return message.DecodeFrontend(t, reader, kind)
}

// ClearTextPassword announces to the client to authenticate by sending a
// clear text password and validates if the provided username and password
// (received inside the client parameters) are valid. If the provided
// credentials are invalid or any unexpected error occures is an error
// returned and should the connection be closed.
func ClearTextPassword(validate func(ctx context.Context, username, password string) (bool, error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		err = message.Authentication{Request: types.AuthenticationCleartextPassword}.Encode(writer)
		if err != nil {
			return err
		}

		msg, err := readPassword(reader, message.PasswordCleartext)
		if err != nil {
			return err
		}

		password := msg.(message.Password).Password
		valid, err := validate(ctx, AuthenticatedUsername(ctx), password)
		if err != nil {
			return err
		}

		if !valid {
			return newErrInvalidCredentials()
		}

		return authenticationOk(writer)
	}
}

// MD5Password announces to the client to authenticate using the MD5 salted
// digest exchange. The given lookup function returns the stored password of
// the presented username, either in clear text or in the "md5"-prefixed
// pre-hashed form produced by Postgres password storage.
func MD5Password(lookup func(ctx context.Context, username string) (password string, err error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		var salt [4]byte
		_, err = rand.Read(salt[:])
		if err != nil {
			return err
		}

		err = message.Authentication{Request: types.AuthenticationMD5Password, Salt: salt}.Encode(writer)
		if err != nil {
			return err
		}

		msg, err := readPassword(reader, message.PasswordMD5)
		if err != nil {
			return err
		}

		username := AuthenticatedUsername(ctx)
		password, err := lookup(ctx, username)
		if err != nil {
			return newErrInvalidCredentials()
		}

		expected := md5Digest(password, username, salt)
		response := msg.(message.Password).Password
		if !strings.EqualFold(response, expected) {
			return newErrInvalidCredentials()
		}

		return authenticationOk(writer)
	}
}

// md5Digest computes the expected response to a MD5 authentication request:
// "md5" ++ hex(md5(hex(md5(password ++ username)) ++ salt)). A stored
// password already carrying the "md5" prefix skips the inner digest.
func md5Digest(password, username string, salt [4]byte) string {
	inner := password
	if !strings.HasPrefix(password, "md5") || len(password) != 35 {
		sum := md5.Sum([]byte(password + username)) //nolint:gosec
		inner = "md5" + hex.EncodeToString(sum[:])
	}

	outer := md5.Sum(append([]byte(inner[3:]), salt[:]...)) //nolint:gosec
	return "md5" + hex.EncodeToString(outer[:])
}

// IsSuperUser reports whether the given connection context belongs to a super
// user. No super user status is tracked on connections; it always returns false.
func IsSuperUser(ctx context.Context) bool {
	return false
}

// AuthenticatedUsername returns the username of the authenticated user of the
// given connection context
func AuthenticatedUsername(ctx context.Context) string {
	parameters := ClientParameters(ctx)
	return parameters[ParamUsername]
}
