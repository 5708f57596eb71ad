package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/uktrade/postgres-audit-proxy/internal/api"
	"github.com/uktrade/postgres-audit-proxy/internal/config"
	"github.com/uktrade/postgres-audit-proxy/internal/health"
	"github.com/uktrade/postgres-audit-proxy/internal/metrics"
	"github.com/uktrade/postgres-audit-proxy/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/pgauthproxy.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgauthproxy starting...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (upstream %s)", *configPath, cfg.Upstream.Address)

	// Initialize components
	m := metrics.New()
	hc := health.NewChecker(cfg.Upstream.Address, m)
	hc.Start()

	// Start proxy listeners
	proxyServer, err := proxy.NewServer(cfg, m, hc)
	if err != nil {
		log.Fatalf("Failed to create proxy server: %v", err)
	}

	if cfg.Listen.MD5Address != "" {
		if err := proxyServer.ListenMD5(cfg.Listen.MD5Address); err != nil {
			log.Fatalf("Failed to start md5 proxy: %v", err)
		}
	}
	if cfg.Listen.JWTAddress != "" {
		if err := proxyServer.ListenJWT(cfg.Listen.JWTAddress); err != nil {
			log.Fatalf("Failed to start jwt proxy: %v", err)
		}
	}

	// Start REST API
	apiServer := api.NewServer(hc, m, proxyServer.Config)
	if err := apiServer.Start(cfg.Listen.APIBind, cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	// Set up config hot-reload; applies to connections accepted afterwards.
	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		proxyServer.UpdateConfig(newCfg)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("pgauthproxy ready - md5:%s jwt:%s api:%s:%d",
		orDisabled(cfg.Listen.MD5Address), orDisabled(cfg.Listen.JWTAddress),
		cfg.Listen.APIBind, cfg.Listen.APIPort)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	// Graceful shutdown
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyServer.Stop()
	hc.Stop()

	log.Printf("pgauthproxy stopped")
}

func orDisabled(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
}
