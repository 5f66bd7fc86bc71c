package wire

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgforge/wire/codes"
	psqlerr "github.com/pgforge/wire/errors"
	"github.com/pgforge/wire/pkg/buffer"
	"github.com/pgforge/wire/pkg/message"
	"github.com/pgforge/wire/pkg/types"
)

// SASL mechanism names advertised by the SCRAM strategy. The -PLUS variant
// binds the authentication to the TLS channel and is only advertised when the
// connection has been upgraded and a server certificate is available.
// https://datatracker.ietf.org/doc/html/rfc7677
const (
	ScramSHA256     = "SCRAM-SHA-256"
	ScramSHA256Plus = "SCRAM-SHA-256-PLUS"
)

// ScramIterations is the PBKDF2 iteration count used when deriving the salted
// password, matching the default used by Postgres password storage.
const ScramIterations = 4096

const scramSaltLength = 16
const scramNonceLength = 18

// newErrMalformedExchange is returned whenever the client sent a SASL message
// which could not be interpreted. The exchange cannot continue.
func newErrMalformedExchange(reason string) error {
	err := fmt.Errorf("malformed SASL exchange: %s", reason)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ProtocolViolation), psqlerr.LevelFatal)
}

// newErrChannelBinding is returned whenever the channel binding presented by
// the client does not match the negotiated TLS channel.
func newErrChannelBinding(reason string) error {
	err := fmt.Errorf("channel binding check failed: %s", reason)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidAuthorizationSpecification), psqlerr.LevelFatal)
}

// ScramSHA256Password announces to the client to authenticate using the SASL
// SCRAM-SHA-256 exchange defined by RFC 5802 and RFC 7677. The given lookup
// function returns the stored clear text password of the presented username.
// The SCRAM-SHA-256-PLUS mechanism is advertised additionally whenever the
// connection carries TLS and a server certificate is available for the
// tls-server-end-point channel binding.
func ScramSHA256Password(lookup func(ctx context.Context, username string) (password string, err error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (err error) {
		certificate := serverCertificate(ctx)

		mechanisms := []string{ScramSHA256}
		if certificate != nil {
			mechanisms = []string{ScramSHA256Plus, ScramSHA256}
		}

		err = message.Authentication{Request: types.AuthenticationSASL, Mechanisms: mechanisms}.Encode(writer)
		if err != nil {
			return err
		}

		msg, err := readPassword(reader, message.PasswordSASLInitial)
		if err != nil {
			return err
		}

		initial := msg.(message.SASLInitialResponse)
		exchange, err := newScramExchange(initial, certificate)
		if err != nil {
			return err
		}

		// NOTE: the username inside the client-first message is ignored in
		// favour of the startup parameters, matching Postgres behavior.
		password, err := lookup(ctx, AuthenticatedUsername(ctx))
		if err != nil {
			return newErrInvalidCredentials()
		}

		serverFirst, err := exchange.serverFirst(password)
		if err != nil {
			return err
		}

		err = message.Authentication{Request: types.AuthenticationSASLContinue, Data: []byte(serverFirst)}.Encode(writer)
		if err != nil {
			return err
		}

		msg, err = readPassword(reader, message.PasswordSASLContinue)
		if err != nil {
			return err
		}

		serverFinal, err := exchange.verifyClientFinal(string(msg.(message.SASLResponse).Data))
		if err != nil {
			return err
		}

		err = message.Authentication{Request: types.AuthenticationSASLFinal, Data: []byte(serverFinal)}.Encode(writer)
		if err != nil {
			return err
		}

		return authenticationOk(writer)
	}
}

// scramExchange carries the state of a single SCRAM exchange across the
// client-first, server-first and client-final messages.
type scramExchange struct {
	plus            bool
	gs2Header       string
	bindData        []byte
	clientFirstBare string
	clientNonce     string
	nonce           string
	serverFirstMsg  string
	saltedPassword  []byte
}

// newScramExchange validates the client-first message and the negotiated
// channel binding and prepares the exchange state.
func newScramExchange(initial message.SASLInitialResponse, certificate []byte) (*scramExchange, error) {
	exchange := &scramExchange{}

	switch initial.Mechanism {
	case ScramSHA256:
	case ScramSHA256Plus:
		if certificate == nil {
			return nil, newErrChannelBinding("SCRAM-SHA-256-PLUS requested without a TLS channel")
		}
		exchange.plus = true
	default:
		return nil, newErrMalformedExchange(fmt.Sprintf("unsupported mechanism: %s", initial.Mechanism))
	}

	first := string(initial.Data)

	// gs2-header = gs2-cbind-flag "," [ authzid ] ","
	// https://datatracker.ietf.org/doc/html/rfc5802#section-7
	header, bare, has := cutGS2Header(first)
	if !has {
		return nil, newErrMalformedExchange("missing gs2 header")
	}

	exchange.gs2Header = header
	exchange.clientFirstBare = bare

	switch {
	case strings.HasPrefix(header, "p="):
		if !exchange.plus {
			return nil, newErrChannelBinding("channel binding presented without the -PLUS mechanism")
		}

		if !strings.HasPrefix(header, "p=tls-server-end-point,") {
			return nil, newErrChannelBinding("unsupported channel binding type")
		}

		hash, err := certificateHash(certificate)
		if err != nil {
			return nil, err
		}

		exchange.bindData = hash
	case strings.HasPrefix(header, "y"):
		// NOTE: the client believes the server does not support channel
		// binding. If we advertised -PLUS this is a downgrade attempt.
		if certificate != nil {
			return nil, newErrChannelBinding("client requires channel binding downgrade")
		}
	case strings.HasPrefix(header, "n"):
		if exchange.plus {
			return nil, newErrChannelBinding("the -PLUS mechanism requires channel binding")
		}
	default:
		return nil, newErrMalformedExchange("unknown gs2 channel binding flag")
	}

	for _, attribute := range strings.Split(bare, ",") {
		switch {
		case strings.HasPrefix(attribute, "r="):
			exchange.clientNonce = attribute[2:]
		case strings.HasPrefix(attribute, "m="):
			return nil, newErrMalformedExchange("mandatory extensions are not supported")
		}
	}

	if exchange.clientNonce == "" {
		return nil, newErrMalformedExchange("missing client nonce")
	}

	return exchange, nil
}

// cutGS2Header splits the client-first message into the gs2 header (including
// the trailing comma) and the bare client-first message.
func cutGS2Header(first string) (header, bare string, has bool) {
	index := strings.Index(first, ",")
	if index < 0 {
		return "", "", false
	}

	next := strings.Index(first[index+1:], ",")
	if next < 0 {
		return "", "", false
	}

	split := index + 1 + next + 1
	return first[:split], first[split:], true
}

// serverFirst derives the salted password and constructs the server-first
// message containing the combined nonce, salt and iteration count.
func (exchange *scramExchange) serverFirst(password string) (string, error) {
	nonce := make([]byte, scramNonceLength)
	_, err := rand.Read(nonce)
	if err != nil {
		return "", err
	}

	salt := make([]byte, scramSaltLength)
	_, err = rand.Read(salt)
	if err != nil {
		return "", err
	}

	exchange.nonce = exchange.clientNonce + base64.StdEncoding.EncodeToString(nonce)
	exchange.saltedPassword = pbkdf2.Key([]byte(password), salt, ScramIterations, sha256.Size, sha256.New)
	exchange.serverFirstMsg = fmt.Sprintf("r=%s,s=%s,i=%d", exchange.nonce, base64.StdEncoding.EncodeToString(salt), ScramIterations)

	return exchange.serverFirstMsg, nil
}

// verifyClientFinal verifies the proof inside the client-final message and
// returns the server-final message carrying the server signature.
func (exchange *scramExchange) verifyClientFinal(final string) (string, error) {
	proofIndex := strings.LastIndex(final, ",p=")
	if proofIndex < 0 {
		return "", newErrMalformedExchange("missing client proof")
	}

	withoutProof := final[:proofIndex]
	proof, err := base64.StdEncoding.DecodeString(final[proofIndex+3:])
	if err != nil {
		return "", newErrMalformedExchange("client proof is not valid base64")
	}

	var channel, nonce string
	for _, attribute := range strings.Split(withoutProof, ",") {
		switch {
		case strings.HasPrefix(attribute, "c="):
			channel = attribute[2:]
		case strings.HasPrefix(attribute, "r="):
			nonce = attribute[2:]
		}
	}

	expected := base64.StdEncoding.EncodeToString(append([]byte(exchange.gs2Header), exchange.bindData...))
	if channel != expected {
		return "", newErrChannelBinding("channel binding data mismatch")
	}

	if nonce != exchange.nonce {
		return "", newErrMalformedExchange("nonce mismatch")
	}

	authMessage := exchange.clientFirstBare + "," + exchange.serverFirstMsg + "," + withoutProof

	clientKey := computeHMAC(exchange.saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	signature := computeHMAC(storedKey[:], []byte(authMessage))

	if len(proof) != len(signature) {
		return "", newErrInvalidCredentials()
	}

	recovered := make([]byte, len(proof))
	for i := range proof {
		recovered[i] = proof[i] ^ signature[i]
	}

	recoveredKey := sha256.Sum256(recovered)
	if subtle.ConstantTimeCompare(recoveredKey[:], storedKey[:]) != 1 {
		return "", newErrInvalidCredentials()
	}

	serverKey := computeHMAC(exchange.saltedPassword, []byte("Server Key"))
	serverSignature := computeHMAC(serverKey, []byte(authMessage))

	return "v=" + base64.StdEncoding.EncodeToString(serverSignature), nil
}

// certificateHash returns the tls-server-end-point hash of the given DER
// encoded certificate: SHA-256 of the certificate, substituted by the hash of
// the certificate signature whenever that uses SHA-384 or SHA-512.
// https://datatracker.ietf.org/doc/html/rfc5929#section-4.1
func certificateHash(der []byte) ([]byte, error) {
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.New("unable to parse the server certificate for channel binding")
	}

	switch certificate.SignatureAlgorithm {
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384, x509.SHA384WithRSAPSS:
		sum := sha512.Sum384(der)
		return sum[:], nil
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512, x509.SHA512WithRSAPSS:
		sum := sha512.Sum512(der)
		return sum[:], nil
	default:
		sum := sha256.Sum256(der)
		return sum[:], nil
	}
}

func computeHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
