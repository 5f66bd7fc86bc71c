package mock

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // mandated by the Postgres wire protocol
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/types"
)

// NewClient constructs a new low level PostgreSQL client speaking the raw
// wire protocol over the given connection. The client is mainly used to
// exercise exact protocol exchanges within tests.
func NewClient(t *testing.T, conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		Writer: NewWriter(t, conn),
		Reader: NewReader(t, conn),
	}
}

type Client struct {
	conn net.Conn
	*Writer
	*Reader

	// Key carries the backend key data received during the handshake.
	Key message.BackendKeyData
}

// Handshake performs a simple handshake over the underlaying connection. A
// handshake consists out of introducing/publishing the client version and
// connection preferences and the writing of (metadata) parameters identifying
// the given client.
func (client *Client) Handshake(t *testing.T) {
	t.Log("performing simple handshake")
	defer t.Log("simple handshake completed")

	startup := message.Startup{
		Version: types.Version30,
		Parameters: map[string]string{
			"user":   "postgres",
			"client": "mock",
		},
	}

	err := startup.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// HandshakeParameters performs a handshake carrying the given startup
// parameters.
func (client *Client) HandshakeParameters(t *testing.T, parameters map[string]string) {
	err := message.Startup{Version: types.Version30, Parameters: parameters}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// Cancel writes a cancel request for the given backend key data over the
// underlaying connection. No reply is expected.
func (client *Client) Cancel(t *testing.T, processID, secretKey int32) {
	err := message.CancelRequest{ProcessID: processID, SecretKey: secretKey}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// read consumes the next typed server message and decodes it.
func (client *Client) read(t *testing.T) message.BackendMessage {
	typed, _, err := client.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	msg, err := message.DecodeBackend(typed, client.Reader.Reader)
	if err != nil {
		t.Fatal(err)
	}

	return msg
}

// Expect consumes the next typed server message and fails the test whenever
// it is not of the expected type. The decoded message is returned.
func (client *Client) Expect(t *testing.T, expected types.ServerMessage) message.BackendMessage {
	typed, _, err := client.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != expected {
		t.Fatalf("unexpected message type %s, expected %s", typed, expected)
	}

	msg, err := message.DecodeBackend(typed, client.Reader.Reader)
	if err != nil {
		t.Fatal(err)
	}

	return msg
}

// Authenticate awaits the authentication result message and fails the test
// whenever the connection has not been authenticated.
func (client *Client) Authenticate(t *testing.T) {
	t.Log("performing simple authentication")
	defer t.Log("simple authentication completed")

	msg := client.Expect(t, types.ServerAuth).(message.Authentication)
	if msg.Request != types.AuthenticationOk {
		t.Fatalf("unexpected auth request: %d, expected auth ok", msg.Request)
	}
}

// AuthenticateClearText performs a clear text password authentication
// exchange using the given password.
func (client *Client) AuthenticateClearText(t *testing.T, password string) {
	msg := client.Expect(t, types.ServerAuth).(message.Authentication)
	if msg.Request != types.AuthenticationCleartextPassword {
		t.Fatalf("unexpected auth request: %d, expected clear text password", msg.Request)
	}

	err := message.Password{Password: password}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}

	client.Authenticate(t)
}

// AuthenticateMD5 performs a MD5 digest authentication exchange using the
// given username and password.
func (client *Client) AuthenticateMD5(t *testing.T, username, password string) {
	msg := client.Expect(t, types.ServerAuth).(message.Authentication)
	if msg.Request != types.AuthenticationMD5Password {
		t.Fatalf("unexpected auth request: %d, expected md5 password", msg.Request)
	}

	err := message.Password{Password: MD5Response(username, password, msg.Salt)}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}

	client.Authenticate(t)
}

// MD5Response computes the expected client response to a MD5 authentication
// request: "md5" ++ hex(md5(hex(md5(password ++ username)) ++ salt)).
func MD5Response(username, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + username))                              //nolint:gosec
	outer := md5.Sum(append([]byte(hex.EncodeToString(inner[:])), salt[:]...)) //nolint:gosec
	return "md5" + hex.EncodeToString(outer[:])
}

// AuthenticateScram drives the client side of a SCRAM-SHA-256 exchange using
// the given username and password.
func (client *Client) AuthenticateScram(t *testing.T, username, password string) {
	msg := client.Expect(t, types.ServerAuth).(message.Authentication)
	if msg.Request != types.AuthenticationSASL {
		t.Fatalf("unexpected auth request: %d, expected SASL", msg.Request)
	}

	has := false
	for _, mechanism := range msg.Mechanisms {
		if mechanism == "SCRAM-SHA-256" {
			has = true
		}
	}

	if !has {
		t.Fatalf("server does not advertise SCRAM-SHA-256: %v", msg.Mechanisms)
	}

	// client-first-message-bare = "n=<user>,r=<nonce>"
	nonce := make([]byte, 18)
	_, err := rand.Read(nonce)
	if err != nil {
		t.Fatal(err)
	}

	gs2Header := "n,,"
	clientNonce := base64.StdEncoding.EncodeToString(nonce)
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", username, clientNonce)

	initial := message.SASLInitialResponse{
		Mechanism: "SCRAM-SHA-256",
		Data:      []byte(gs2Header + clientFirstBare),
	}

	err = initial.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}

	cont := client.Expect(t, types.ServerAuth).(message.Authentication)
	if cont.Request != types.AuthenticationSASLContinue {
		t.Fatalf("unexpected auth request: %d, expected SASL continue", cont.Request)
	}

	serverFirst := string(cont.Data)
	serverNonce, salt, iterations := parseServerFirst(t, serverFirst)
	if !strings.HasPrefix(serverNonce, clientNonce) {
		t.Fatal("server nonce does not start with the client nonce")
	}

	salted := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := computeHMAC(salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	withoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirst + "," + withoutProof

	signature := computeHMAC(storedKey[:], []byte(authMessage))
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}

	final := withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)
	err = message.SASLResponse{Data: []byte(final)}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}

	verify := client.Expect(t, types.ServerAuth).(message.Authentication)
	if verify.Request != types.AuthenticationSASLFinal {
		t.Fatalf("unexpected auth request: %d, expected SASL final", verify.Request)
	}

	serverKey := computeHMAC(salted, []byte("Server Key"))
	expected := "v=" + base64.StdEncoding.EncodeToString(computeHMAC(serverKey, []byte(authMessage)))
	if string(verify.Data) != expected {
		t.Fatal("server signature mismatch")
	}

	client.Authenticate(t)
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>" from the server.
func parseServerFirst(t *testing.T, msg string) (nonce string, salt []byte, iterations int) {
	var err error
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				t.Fatal(err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	if nonce == "" || salt == nil || iterations == 0 {
		t.Fatalf("incomplete server-first-message: %q", msg)
	}

	return nonce, salt, iterations
}

func computeHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// ReadyForQuery awaits till the underlaying network connection returns a ready
// for query message. Parameter status and backend key data messages received
// while waiting are consumed; the key data is stored on the client. The
// transaction status carried by the message is returned.
func (client *Client) ReadyForQuery(t *testing.T) types.ServerStatus {
	t.Log("awaiting ready for query")
	defer t.Log("ready for query received")

	for {
		switch msg := client.read(t).(type) {
		case message.ParameterStatus:
		case message.BackendKeyData:
			client.Key = msg
		case message.ReadyForQuery:
			return msg.Status
		default:
			t.Fatalf("unexpected message while waiting for ready: %T", msg)
		}
	}
}

// Query writes a simple query message carrying the given SQL.
func (client *Client) Query(t *testing.T, sql string) {
	err := message.Query{Statement: sql}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// Parse writes a parse message preparing the given query under the given name.
func (client *Client) Parse(t *testing.T, msg message.Parse) {
	err := msg.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// Bind writes a bind message constructing a portal out of a previously
// prepared statement.
func (client *Client) Bind(t *testing.T, msg message.Bind) {
	err := msg.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// Describe writes a describe message for the given target and name.
func (client *Client) Describe(t *testing.T, target types.DescribeMessage, name string) {
	err := message.Describe{Target: target, Name: name}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// Execute writes an execute message running the given portal.
func (client *Client) Execute(t *testing.T, portal string, maxRows int32) {
	err := message.Execute{Portal: portal, MaxRows: maxRows}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// ClosePortal writes a close message removing the given portal.
func (client *Client) ClosePortal(t *testing.T, name string) {
	err := message.Close{Target: types.DescribePortal, Name: name}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// CloseStatement writes a close message removing the given statement.
func (client *Client) CloseStatement(t *testing.T, name string) {
	err := message.Close{Target: types.DescribeStatement, Name: name}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// Sync writes a sync message ending the current extended-query batch.
func (client *Client) Sync(t *testing.T) {
	err := message.Sync{}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// Flush writes a flush message.
func (client *Client) Flush(t *testing.T) {
	err := message.Flush{}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}
}

// Close terminates the connection gracefully.
func (client *Client) Close(t *testing.T) {
	err := message.Terminate{}.Encode(client.Writer.Writer)
	if err != nil {
		t.Fatal(err)
	}

	err = client.conn.Close()
	if err != nil {
		t.Fatal(err)
	}
}
