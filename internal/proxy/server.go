package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/uktrade/postgres-audit-proxy/internal/auth"
	"github.com/uktrade/postgres-audit-proxy/internal/config"
	"github.com/uktrade/postgres-audit-proxy/internal/health"
	"github.com/uktrade/postgres-audit-proxy/internal/metrics"
)

// How much is read from a socket at once. Messages can be larger than
// this; the framer reassembles them.
const (
	maxReadPipeline  = 16 * 1024
	maxReadHandshake = 64 * 1024
)

// Server accepts client connections and hands each one to the handler for
// its listener's variant.
type Server struct {
	metrics     *metrics.Collector
	healthCheck *health.Checker
	tlsConfig   *tls.Config
	verifier    *auth.TokenVerifier

	mu  sync.RWMutex
	cfg *config.Config

	md5Listener net.Listener
	jwtListener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a proxy server. TLS material and the JWT public key
// are loaded eagerly so misconfiguration fails at startup, not at the
// first connection.
func NewServer(cfg *config.Config, m *metrics.Collector, hc *health.Checker) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		metrics:     m,
		healthCheck: hc,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Listen.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("loading TLS cert/key: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		log.Printf("[proxy] TLS enabled (cert: %s)", cfg.Listen.TLSCert)
	}

	if cfg.Auth.JWTPublicKey != "" {
		pemBytes, err := os.ReadFile(cfg.Auth.JWTPublicKey)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("reading JWT public key: %w", err)
		}
		s.verifier, err = auth.NewTokenVerifier(pemBytes)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	return s, nil
}

// UpdateConfig swaps in a new configuration. It applies to connections
// accepted afterwards; established sessions keep the settings they started
// with.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if s.healthCheck != nil {
		s.healthCheck.SetAddress(cfg.Upstream.Address)
	}
}

// Config returns a copy of the active configuration.
func (s *Server) Config() config.Config {
	return *s.snapshot()
}

func (s *Server) snapshot() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ListenMD5 starts the MD5 pipeline variant listener.
func (s *Server) ListenMD5(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s for md5 variant: %w", addr, err)
	}
	s.md5Listener = ln
	log.Printf("[proxy] md5 proxy listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, "md5")
	}()

	return nil
}

// ListenJWT starts the JWT handshake variant listener.
func (s *Server) ListenJWT(addr string) error {
	if s.tlsConfig == nil || s.verifier == nil {
		return fmt.Errorf("jwt listener requires TLS material and a JWT public key")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s for jwt variant: %w", addr, err)
	}
	s.jwtListener = ln
	log.Printf("[proxy] jwt proxy listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, "jwt")
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener, variant string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[proxy] accept error on %s: %v", variant, err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, variant)
		}()
	}
}

func (s *Server) handleConnection(clientConn net.Conn, variant string) {
	defer clientConn.Close()

	if tc, ok := clientConn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	cfg := s.snapshot()
	start := time.Now()
	if s.metrics != nil {
		s.metrics.ConnectionOpened(variant)
		defer func() {
			s.metrics.ConnectionClosed(variant, time.Since(start))
		}()
	}

	var err error
	switch variant {
	case "md5":
		err = s.handleMD5(s.ctx, clientConn, cfg)
	case "jwt":
		err = s.handleJWT(s.ctx, clientConn, cfg)
	default:
		log.Printf("[proxy] unknown variant: %s", variant)
		return
	}

	if err != nil {
		log.Printf("[proxy] connection error (%s): %v", variant, err)
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.cancel()

	if s.md5Listener != nil {
		s.md5Listener.Close()
	}
	if s.jwtListener != nil {
		s.jwtListener.Close()
	}

	s.wg.Wait()
	log.Printf("[proxy] server stopped")
}

// dialUpstream opens the TCP leg to the real database.
func dialUpstream(cfg *config.Config) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", cfg.Upstream.Address, cfg.Upstream.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing upstream %s: %v", ErrProtocol, cfg.Upstream.Address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}
