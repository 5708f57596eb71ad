// Package auth holds the proxy's two client authentication mechanisms: the
// MD5 challenge/response rewriter used by the pipeline variant and the
// Ed25519 JWT verifier used by the handshake variant.
package auth

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/uktrade/postgres-audit-proxy/internal/pgwire"
	"github.com/uktrade/postgres-audit-proxy/internal/pipeline"
)

// Credentials is one user/password pair.
type Credentials struct {
	User     string
	Password string
}

// MD5Rewriter is a pipeline stage that terminates MD5 authentication at the
// proxy. The client authenticates with the proxy credentials; the server
// sees the server credentials. Neither the server credentials nor the
// server's salt ever reach the client: the server's MD5 challenge is
// rewritten to carry a fresh proxy-generated salt, and the client's response
// is verified against the proxy credentials and replaced with a digest over
// the server credentials and the original server salt.
//
// A client presenting anything but the proxy credentials is forwarded with
// freshly generated garbage (a random hashed user, or a digest over random
// entropy) so that the upstream deterministically rejects the login.
type MD5Rewriter struct {
	edges  pipeline.Edges
	proxy  Credentials
	server Credentials
	log    *slog.Logger

	// Both salts are written by the server-reader goroutine when the MD5
	// challenge passes through, and read by the client-reader goroutine
	// when the response arrives. The protocol guarantees the challenge is
	// delivered before the response is sent.
	mu         sync.Mutex
	serverSalt []byte
	clientSalt []byte
}

// NewMD5Rewriter returns a rewriter stage presenting proxy to the client
// and server to the upstream database.
func NewMD5Rewriter(proxy, server Credentials, log *slog.Logger) *MD5Rewriter {
	if log == nil {
		log = slog.Default()
	}
	return &MD5Rewriter{proxy: proxy, server: server, log: log}
}

func (r *MD5Rewriter) Bind(edges pipeline.Edges) { r.edges = edges }

func (r *MD5Rewriter) C2SFromOutside(msgs []pgwire.Message) {
	for _, m := range msgs {
		switch {
		case m.IsStartup() && !m.IsSSLRequest():
			m = r.rewriteStartup(m)
		case m.TypeByte() == pgwire.MsgPassword && bytes.HasPrefix(m.Payload, []byte("md5")):
			m = r.rewriteMD5Response(m)
		}
		r.edges.ToC2SInner([]pgwire.Message{m})
	}
}

func (r *MD5Rewriter) C2SFromInside(msgs []pgwire.Message) {
	r.edges.ToC2SOuter(msgs)
}

func (r *MD5Rewriter) S2CFromOutside(msgs []pgwire.Message) {
	for _, m := range msgs {
		if isMD5Challenge(m) {
			m = r.rewriteMD5Challenge(m)
		}
		r.edges.ToS2CInner([]pgwire.Message{m})
	}
}

func (r *MD5Rewriter) S2CFromInside(msgs []pgwire.Message) {
	r.edges.ToS2COuter(msgs)
}

// rewriteStartup replaces the client-facing user with the server-facing
// one, preserving the order of every other parameter and recomputing the
// length prefix. An unexpected user is replaced with a random hashed user
// so the upstream rejects the login.
func (r *MD5Rewriter) rewriteStartup(m pgwire.Message) pgwire.Message {
	params, err := pgwire.ParseStartupParams(m.Payload)
	if err != nil {
		// Let the upstream reject the malformed startup itself.
		r.log.Debug("unparseable startup message", "err", err)
		return m
	}

	for i, p := range params {
		if p.Key != "user" {
			continue
		}
		if p.Value == r.proxy.User {
			params[i].Value = r.server.User
		} else {
			params[i].Value = string(md5Hex(randomBytes(32)))
			r.log.Debug("unknown proxy user in startup message", "user", p.Value)
		}
	}
	return pgwire.NewStartupMessage(params)
}

// rewriteMD5Challenge captures the server's salt, swaps in a freshly
// generated client salt, and forwards the challenge.
func (r *MD5Rewriter) rewriteMD5Challenge(m pgwire.Message) pgwire.Message {
	r.mu.Lock()
	r.serverSalt = append([]byte(nil), m.Payload[4:8]...)
	r.clientSalt = randomBytes(4)
	clientSalt := r.clientSalt
	r.mu.Unlock()

	payload := append(append([]byte(nil), m.Payload[:4]...), clientSalt...)
	return pgwire.NewMessage(pgwire.MsgAuthentication, payload)
}

// rewriteMD5Response verifies the client's digest against the proxy
// credentials and replaces it with the digest the server expects. A
// mismatch, or a response before any challenge was seen, yields a digest
// over fresh entropy.
func (r *MD5Rewriter) rewriteMD5Response(m pgwire.Message) pgwire.Message {
	r.mu.Lock()
	serverSalt := r.serverSalt
	clientSalt := r.clientSalt
	r.mu.Unlock()

	var serverDigest []byte
	if clientSalt == nil || len(m.Payload) < 4 {
		serverDigest = md5Hex(randomBytes(32))
	} else {
		clientDigest := m.Payload[3 : len(m.Payload)-1]
		expected := saltedMD5(r.proxy.Password, r.proxy.User, clientSalt)
		if subtle.ConstantTimeCompare(clientDigest, expected) == 1 {
			serverDigest = saltedMD5(r.server.Password, r.server.User, serverSalt)
		} else {
			r.log.Info("md5 password verification failed", "user", r.proxy.User)
			serverDigest = md5Hex(randomBytes(32))
		}
	}

	payload := append([]byte("md5"), serverDigest...)
	payload = append(payload, 0)
	return pgwire.NewMessage(pgwire.MsgPassword, payload)
}

func isMD5Challenge(m pgwire.Message) bool {
	return m.TypeByte() == pgwire.MsgAuthentication &&
		len(m.Payload) >= 8 &&
		bytes.Equal(m.Payload[:4], []byte{0, 0, 0, pgwire.AuthMD5Password})
}

// md5Hex returns the lowercase 32-character hex encoding of the MD5 digest.
func md5Hex(data []byte) []byte {
	sum := md5.Sum(data)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum[:])
	return out
}

// saltedMD5 computes MD5_HEX(MD5_HEX(password ∥ user) ∥ salt), the digest
// PostgreSQL's MD5 authentication exchanges.
func saltedMD5(password, user string, salt []byte) []byte {
	inner := md5Hex([]byte(password + user))
	return md5Hex(append(inner, salt...))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading crypto/rand: %v", err))
	}
	return b
}
