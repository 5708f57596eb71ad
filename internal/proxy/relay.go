package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/uktrade/postgres-audit-proxy/internal/metrics"
)

// closeWriter is implemented by *net.TCPConn and *tls.Conn; a copier that
// reaches EOF half-closes its destination so the peer sees the stream end.
type closeWriter interface {
	CloseWrite() error
}

// relay copies data bidirectionally between client and backend connections
// with no further protocol interpretation. It returns when either side
// closes or an error occurs.
func relay(ctx context.Context, client, backend net.Conn, m *metrics.Collector) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)

	// Client → Backend
	go func() {
		defer wg.Done()
		n, err := io.CopyBuffer(backend, client, make([]byte, maxReadHandshake))
		if m != nil {
			m.BytesRelayed("client_to_server", n)
		}
		errCh <- err
		if cw, ok := backend.(closeWriter); ok {
			cw.CloseWrite()
		}
	}()

	// Backend → Client
	go func() {
		defer wg.Done()
		n, err := io.CopyBuffer(client, backend, make([]byte, maxReadHandshake))
		if m != nil {
			m.BytesRelayed("server_to_client", n)
		}
		errCh <- err
		if cw, ok := client.(closeWriter); ok {
			cw.CloseWrite()
		}
	}()

	// Wait for context cancellation or one side to finish
	select {
	case <-ctx.Done():
		client.Close()
		backend.Close()
	case err := <-errCh:
		if err != nil && err != io.EOF {
			// The caller closes both conns, which unblocks the other copier.
			return err
		}
		// One side reached EOF: close both so the other copier stops too.
		client.Close()
		backend.Close()
	}

	wg.Wait()
	return nil
}
