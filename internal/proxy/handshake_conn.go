package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/uktrade/postgres-audit-proxy/internal/config"
	"github.com/uktrade/postgres-audit-proxy/internal/pgwire"
)

// handleJWT runs the handshake variant: authentication is terminated at the
// proxy. The downstream handshake is strictly sequential — SSLRequest, TLS,
// StartupMessage, cleartext password request carrying a JWT, Ed25519
// verification — and only then is the upstream leg opened with a fresh,
// unauthenticated startup. After both handshakes the session degrades to a
// plain byte relay.
func (s *Server) handleJWT(ctx context.Context, clientConn net.Conn, cfg *config.Config) error {
	start := time.Now()

	down, user, database, err := s.downstreamHandshake(clientConn, cfg)
	if s.metrics != nil {
		s.metrics.HandshakeCompleted("jwt", time.Since(start))
	}
	if err != nil {
		s.recordAuthOutcome(err)
		// Report on the most-upgraded downstream layer that exists.
		if down == nil {
			down = clientConn
		}
		writeMessage(down, errorResponseFor(err))
		return err
	}
	s.recordAuthOutcome(nil)

	upstream, err := s.upstreamHandshake(cfg, user, database)
	if err != nil {
		writeMessage(down, errorResponseFor(err))
		return err
	}
	defer upstream.Close()

	slog.Info("session established", "variant", "jwt", "user", user, "database", database)
	return relay(ctx, down, upstream, s.metrics)
}

// downstreamHandshake authenticates the client. It returns the TLS
// connection (which may be non-nil even on error, for error reporting) and
// the user and database the client claimed.
func (s *Server) downstreamHandshake(clientConn net.Conn, cfg *config.Config) (net.Conn, string, string, error) {
	maxMessage := cfg.Limits.MaxMessageBytes

	// AwaitSSLRequest: the connection must open with the exact 8-byte
	// SSLRequest frame.
	req := make([]byte, len(pgwire.SSLRequestFrame))
	if _, err := io.ReadFull(clientConn, req); err != nil {
		return nil, "", "", fmt.Errorf("%w: reading ssl request: %v", ErrProtocol, err)
	}
	if !bytes.Equal(req, pgwire.SSLRequestFrame) {
		return nil, "", "", fmt.Errorf("%w: connection did not open with an ssl request", ErrProtocol)
	}

	// TLSAccepted: answer 'S' and upgrade.
	if _, err := clientConn.Write([]byte{'S'}); err != nil {
		return nil, "", "", fmt.Errorf("%w: accepting ssl request: %v", ErrProtocol, err)
	}
	tlsConn := tls.Server(clientConn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		if s.metrics != nil {
			s.metrics.TLSError("downstream")
		}
		return nil, "", "", fmt.Errorf("%w: downstream TLS handshake: %v", ErrProtocol, err)
	}

	// AwaitStartup: length and protocol version.
	header := make([]byte, 8)
	if _, err := io.ReadFull(tlsConn, header); err != nil {
		return tlsConn, "", "", fmt.Errorf("%w: reading startup header: %v", ErrProtocol, err)
	}
	msgLen := int(binary.BigEndian.Uint32(header[:4]))
	version := binary.BigEndian.Uint32(header[4:8])
	if msgLen < 8 || msgLen > maxMessage {
		return tlsConn, "", "", fmt.Errorf("%w: startup message length %d", ErrProtocol, msgLen)
	}
	if version != pgwire.ProtoVersion {
		return tlsConn, "", "", fmt.Errorf("%w: unsupported protocol version %d", ErrProtocol, version)
	}

	// ParsePairs: the startup parameters must name a user and a database.
	body := make([]byte, msgLen-8)
	if _, err := io.ReadFull(tlsConn, body); err != nil {
		return tlsConn, "", "", fmt.Errorf("%w: reading startup body: %v", ErrProtocol, err)
	}
	params, err := pgwire.ParseStartupParams(append(header[4:8:8], body...))
	if err != nil {
		return tlsConn, "", "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	var user, database string
	for _, p := range params {
		switch p.Key {
		case "user":
			user = p.Value
		case "database":
			database = p.Value
		}
	}
	if user == "" || database == "" {
		return tlsConn, "", "", fmt.Errorf("%w: startup message missing user or database", ErrProtocol)
	}

	// SendPasswordRequest / AwaitPassword: the "password" is a JWT.
	if err := writeMessage(tlsConn, pgwire.NewAuthRequest(pgwire.AuthCleartextPassword, nil)); err != nil {
		return tlsConn, "", "", fmt.Errorf("%w: requesting password: %v", ErrProtocol, err)
	}
	msgHeader := make([]byte, 5)
	if _, err := io.ReadFull(tlsConn, msgHeader); err != nil {
		return tlsConn, "", "", fmt.Errorf("%w: reading password header: %v", ErrProtocol, err)
	}
	if msgHeader[0] != pgwire.MsgPassword {
		return tlsConn, "", "", fmt.Errorf("%w: expected password message, got %q", ErrProtocol, msgHeader[0])
	}
	payloadLen := int(binary.BigEndian.Uint32(msgHeader[1:5]))
	if payloadLen < 4 || payloadLen > maxMessage {
		return tlsConn, "", "", fmt.Errorf("%w: password message length %d", ErrProtocol, payloadLen)
	}
	payload := make([]byte, payloadLen-4)
	if _, err := io.ReadFull(tlsConn, payload); err != nil {
		return tlsConn, "", "", fmt.Errorf("%w: reading password body: %v", ErrProtocol, err)
	}
	token := strings.TrimSuffix(string(payload), "\x00")

	// VerifyToken: Ed25519 signature and subject check.
	if err := s.verifier.Verify(token, user); err != nil {
		return tlsConn, "", "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	// SendAuthOk.
	if err := writeMessage(tlsConn, pgwire.NewAuthRequest(pgwire.AuthOK, nil)); err != nil {
		return tlsConn, "", "", fmt.Errorf("%w: sending auth ok: %v", ErrProtocol, err)
	}

	return tlsConn, user, database, nil
}

// upstreamHandshake opens the TLS leg to the real server and sends a fresh
// StartupMessage for the authenticated user. The upstream is expected to
// trust the proxy's network path, so no credentials are presented.
func (s *Server) upstreamHandshake(cfg *config.Config, user, database string) (net.Conn, error) {
	conn, err := dialUpstream(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(pgwire.SSLRequestFrame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: sending upstream ssl request: %v", ErrProtocol, err)
	}
	resp := make([]byte, 1)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading upstream ssl response: %v", ErrProtocol, err)
	}
	if resp[0] != 'S' {
		conn.Close()
		return nil, fmt.Errorf("%w: upstream refused TLS (%q)", ErrProtocol, resp[0])
	}

	host, _, err := net.SplitHostPort(cfg.Upstream.Address)
	if err != nil {
		host = cfg.Upstream.Address
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !cfg.Upstream.TLSVerify,
	})
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		if s.metrics != nil {
			s.metrics.TLSError("upstream")
		}
		return nil, fmt.Errorf("%w: upstream TLS handshake: %v", ErrProtocol, err)
	}

	startup := pgwire.NewStartupMessage([]pgwire.Param{
		{Key: "user", Value: user},
		{Key: "database", Value: database},
	})
	if err := writeMessage(tlsConn, startup); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("%w: sending upstream startup: %v", ErrProtocol, err)
	}
	return tlsConn, nil
}

func (s *Server) recordAuthOutcome(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.AuthAttempt("jwt", "success")
	case errors.Is(err, ErrAuthFailed):
		s.metrics.AuthAttempt("jwt", "failure")
	default:
		s.metrics.ProtocolError("handshake")
	}
}

// errorResponseFor maps an error to the client-visible ErrorResponse.
func errorResponseFor(err error) pgwire.Message {
	if errors.Is(err, ErrAuthFailed) {
		return pgwire.ErrorResponse("FATAL", "28P01", "Authentication failed")
	}
	return pgwire.MinimalErrorResponse()
}

// writeMessage writes one message to a connection.
func writeMessage(w io.Writer, m pgwire.Message) error {
	_, err := w.Write(m.Encode())
	return err
}

// isClosedOrEOF reports whether err is a peer EOF or our own teardown of
// the socket.
func isClosedOrEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
