package wire

import (
	"crypto/tls"
	"io"
	"net"
)

// sslIdentifier represents a the bytes identifying whether the given connection
// supports SSL.
type sslIdentifier []byte

var (
	sslSupported   sslIdentifier = []byte{'S'}
	sslUnsupported sslIdentifier = []byte{'N'}
)

// TLSPolicy dictates how the server treats connections which have not been
// upgraded to TLS.
type TLSPolicy int

const (
	// TLSOff never upgrades connections even when the client requests it.
	TLSOff TLSPolicy = iota
	// TLSPrefer upgrades connections whenever the client requests it but
	// allows insecure connections. This is the default policy.
	TLSPrefer
	// TLSRequire rejects connections which have not been upgraded to TLS.
	TLSRequire
)

// tlsRecordHandshake is the first byte of a TLS handshake record. A client
// performing a direct TLS handshake (PostgreSQL 17 sslnegotiation=direct)
// opens the connection with it instead of a protocol frame.
const tlsRecordHandshake = 0x16

// maybeDirectTLS inspects the first byte of a fresh connection and upgrades
// the connection whenever the client started a TLS handshake directly,
// without a preceding SSLRequest.
func (srv *Server) maybeDirectTLS(conn net.Conn) (net.Conn, error) {
	var prefix [1]byte
	_, err := io.ReadFull(conn, prefix[:])
	if err != nil {
		return conn, err
	}

	peeked := &peekedConn{Conn: conn, prefix: prefix[:]}
	if prefix[0] != tlsRecordHandshake {
		return peeked, nil
	}

	srv.logger.Debug("client started a direct TLS handshake")
	return tls.Server(peeked, srv.TLSConfig), nil
}

// peekedConn replays bytes consumed while sniffing the connection before
// handing the remainder of the stream to the reader.
type peekedConn struct {
	net.Conn
	prefix []byte
}

func (conn *peekedConn) Read(p []byte) (int, error) {
	if len(conn.prefix) > 0 {
		n := copy(p, conn.prefix)
		conn.prefix = conn.prefix[n:]
		return n, nil
	}

	return conn.Conn.Read(p)
}
