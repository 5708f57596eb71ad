package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/uktrade/postgres-audit-proxy/internal/auth"
	"github.com/uktrade/postgres-audit-proxy/internal/config"
	"github.com/uktrade/postgres-audit-proxy/internal/pgwire"
	"github.com/uktrade/postgres-audit-proxy/internal/pipeline"
)

// handleMD5 runs the pipeline variant: every byte of the session flows
// through the processor chain, which rewrites the startup user and the MD5
// challenge/response exchange in flight and forwards everything else
// untouched. The SSL negotiation passes through transparently; the framer
// handles the server's unframed 'N' refusal.
func (s *Server) handleMD5(ctx context.Context, clientConn net.Conn, cfg *config.Config) error {
	serverConn, err := dialUpstream(cfg)
	if err != nil {
		writeMessage(clientConn, pgwire.MinimalErrorResponse())
		if s.metrics != nil {
			s.metrics.ProtocolError("upstream_unavailable")
		}
		return err
	}
	defer serverConn.Close()

	closeOnce := sync.Once{}
	closeBoth := func() {
		closeOnce.Do(func() {
			clientConn.Close()
			serverConn.Close()
		})
	}

	rewriter := auth.NewMD5Rewriter(
		auth.Credentials{User: cfg.Auth.ProxyUser, Password: cfg.Auth.ProxyPassword},
		auth.Credentials{User: cfg.Auth.ServerUser, Password: cfg.Auth.ServerPassword},
		slog.Default(),
	)

	chain := pipeline.NewChain(
		func(p []byte) {
			if _, err := serverConn.Write(p); err != nil {
				closeBoth()
			}
		},
		func(p []byte) {
			if _, err := clientConn.Write(p); err != nil {
				closeBoth()
			}
		},
		pipeline.NewLogger(nil),
		rewriter,
	)

	// One reader per socket. The chain's framers and auth state are only
	// shared through the rewriter, which guards its salts itself.
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- readLoop(clientConn, chain.ClientData)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		errCh <- readLoop(serverConn, chain.ServerData)
		closeBoth()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		closeBoth()
		<-done
		return ctx.Err()
	case <-done:
	}

	for i := 0; i < 2; i++ {
		if e := <-errCh; e != nil {
			return fmt.Errorf("pipeline session: %w", e)
		}
	}
	return nil
}

// readLoop pulls bytes off a socket and feeds them to the chain until EOF
// or error. A nil return means the peer closed cleanly.
func readLoop(conn net.Conn, push func([]byte)) error {
	buf := make([]byte, maxReadPipeline)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			push(buf[:n])
		}
		if err != nil {
			if isClosedOrEOF(err) {
				return nil
			}
			return err
		}
	}
}
