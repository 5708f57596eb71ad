package proxy

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/uktrade/postgres-audit-proxy/internal/config"
	"github.com/uktrade/postgres-audit-proxy/internal/pgwire"
)

func md5HexT(data []byte) []byte {
	sum := md5.Sum(data)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum[:])
	return out
}

func saltedMD5T(password, user string, salt []byte) []byte {
	return md5HexT(append(md5HexT([]byte(password+user)), salt...))
}

func md5TestConfig(upstreamAddr string) *config.Config {
	return &config.Config{
		Listen: config.ListenConfig{MD5Address: "127.0.0.1:0"},
		Upstream: config.UpstreamConfig{
			Address:        upstreamAddr,
			ConnectTimeout: 2 * time.Second,
		},
		Auth: config.AuthConfig{
			ProxyUser:      "proxy_postgres",
			ProxyPassword:  "proxy_mysecret",
			ServerUser:     "postgres",
			ServerPassword: "mysecret",
		},
		Limits: config.LimitsConfig{MaxMessageBytes: 66560},
	}
}

// fakeMD5Upstream acts the part of a PostgreSQL server running MD5 auth:
// refuse SSL, challenge with a fixed salt, record what it receives.
type fakeMD5Upstream struct {
	ln net.Listener

	mu      sync.Mutex
	startup []byte
	digest  []byte
}

func newFakeMD5Upstream(t *testing.T) *fakeMD5Upstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeMD5Upstream{ln: ln}
	go f.serve()
	return f
}

func (f *fakeMD5Upstream) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMD5Upstream) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// SSLRequest → refuse.
	buf := make([]byte, 8)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	conn.Write([]byte{'N'})

	// StartupMessage.
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf)-4)
	if _, err := io.ReadFull(conn, body); err != nil {
		return
	}
	f.mu.Lock()
	f.startup = body
	f.mu.Unlock()

	// MD5 challenge with a fixed server salt.
	challenge := pgwire.NewAuthRequest(pgwire.AuthMD5Password, []byte{0xaa, 0xbb, 0xcc, 0xdd})
	conn.Write(challenge.Encode())

	// Password response.
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[1:5])-4)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return
	}
	f.mu.Lock()
	f.digest = payload
	f.mu.Unlock()

	conn.Write(pgwire.NewAuthRequest(pgwire.AuthOK, nil).Encode())
}

func (f *fakeMD5Upstream) received() (startup, digest []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startup, f.digest
}

// startMD5Proxy returns a running proxy and the address to connect to.
func startMD5Proxy(t *testing.T, upstreamAddr string) (*Server, string) {
	t.Helper()
	srv, err := NewServer(md5TestConfig(upstreamAddr), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.ListenMD5("127.0.0.1:0"); err != nil {
		t.Fatalf("ListenMD5: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, srv.md5Listener.Addr().String()
}

// md5ClientHandshake walks a client through SSL refusal, startup, and the
// challenge; it returns the connection and the challenge's client salt.
func md5ClientHandshake(t *testing.T, addr, user string) (net.Conn, []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write(pgwire.SSLRequestFrame)
	resp := make([]byte, 1)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("reading ssl response: %v", err)
	}
	if resp[0] != 'N' {
		t.Fatalf("ssl response = %q, want 'N'", resp[0])
	}

	startup := pgwire.NewStartupMessage([]pgwire.Param{
		{Key: "user", Value: user},
		{Key: "database", Value: "d"},
	})
	conn.Write(startup.Encode())

	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("reading challenge header: %v", err)
	}
	if header[0] != 'R' {
		t.Fatalf("expected challenge 'R', got %q", header[0])
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[1:5])-4)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("reading challenge payload: %v", err)
	}
	if !bytes.Equal(payload[:4], []byte{0, 0, 0, 5}) {
		t.Fatalf("expected an md5 challenge, payload %x", payload)
	}
	return conn, payload[4:8]
}

func TestMD5ProxyHappyPath(t *testing.T) {
	upstream := newFakeMD5Upstream(t)
	defer upstream.ln.Close()
	_, addr := startMD5Proxy(t, upstream.ln.Addr().String())

	conn, clientSalt := md5ClientHandshake(t, addr, "proxy_postgres")
	defer conn.Close()

	digest := saltedMD5T("proxy_mysecret", "proxy_postgres", clientSalt)
	response := pgwire.NewMessage('p', append(append([]byte("md5"), digest...), 0))
	conn.Write(response.Encode())

	// AuthenticationOk comes back through the proxy.
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("reading auth result: %v", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[1:5])-4)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("reading auth result payload: %v", err)
	}
	if header[0] != 'R' || !bytes.Equal(payload, []byte{0, 0, 0, 0}) {
		t.Fatalf("expected auth ok, got %q %x", header[0], payload)
	}

	startup, upstreamDigest := upstream.received()
	params, err := pgwire.ParseStartupParams(startup)
	if err != nil {
		t.Fatalf("parsing upstream startup: %v", err)
	}
	if params[0].Key != "user" || params[0].Value != "postgres" {
		t.Errorf("upstream user = %+v, want postgres", params[0])
	}

	wantDigest := append(append([]byte("md5"),
		saltedMD5T("mysecret", "postgres", []byte{0xaa, 0xbb, 0xcc, 0xdd})...), 0)
	if !bytes.Equal(upstreamDigest, wantDigest) {
		t.Errorf("upstream digest = %q, want %q", upstreamDigest, wantDigest)
	}
}

func TestMD5ProxyWrongPassword(t *testing.T) {
	upstream := newFakeMD5Upstream(t)
	defer upstream.ln.Close()
	_, addr := startMD5Proxy(t, upstream.ln.Addr().String())

	conn, clientSalt := md5ClientHandshake(t, addr, "proxy_postgres")
	defer conn.Close()

	digest := saltedMD5T("wrong-password", "proxy_postgres", clientSalt)
	conn.Write(pgwire.NewMessage('p', append(append([]byte("md5"), digest...), 0)).Encode())

	// Wait for the upstream to record the rewritten response.
	deadline := time.Now().Add(3 * time.Second)
	var upstreamDigest []byte
	for time.Now().Before(deadline) {
		if _, d := upstream.received(); d != nil {
			upstreamDigest = d
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if upstreamDigest == nil {
		t.Fatal("upstream never received a password response")
	}

	correct := append(append([]byte("md5"),
		saltedMD5T("mysecret", "postgres", []byte{0xaa, 0xbb, 0xcc, 0xdd})...), 0)
	if bytes.Equal(upstreamDigest, correct) {
		t.Fatal("wrong client password still yielded the correct upstream digest")
	}
	if len(upstreamDigest) != 36 || !bytes.HasPrefix(upstreamDigest, []byte("md5")) {
		t.Errorf("substituted digest malformed: %q", upstreamDigest)
	}
}

func TestMD5ProxyUnknownUserRewritten(t *testing.T) {
	upstream := newFakeMD5Upstream(t)
	defer upstream.ln.Close()
	_, addr := startMD5Proxy(t, upstream.ln.Addr().String())

	conn, _ := md5ClientHandshake(t, addr, "someone_else")
	defer conn.Close()

	startup, _ := upstream.received()
	params, err := pgwire.ParseStartupParams(startup)
	if err != nil {
		t.Fatalf("parsing upstream startup: %v", err)
	}
	user := params[0].Value
	if user == "someone_else" || user == "postgres" {
		t.Errorf("unexpected upstream user %q", user)
	}
	if len(user) != 32 {
		t.Errorf("substituted user is %d chars, want 32", len(user))
	}
}

func TestMD5ProxyUpstreamUnavailable(t *testing.T) {
	// A listener that is immediately closed gives a dead address.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	_, addr := startMD5Proxy(t, deadAddr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// The client sees a minimal ErrorResponse and then EOF.
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if header[0] != 'E' {
		t.Fatalf("expected 'E', got %q", header[0])
	}
}
