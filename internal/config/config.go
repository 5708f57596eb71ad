package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the proxy.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
}

// ListenConfig defines the client-facing listeners. A variant with an empty
// address is disabled, except that when both addresses are empty the md5
// variant listens on the default 0.0.0.0:7777.
type ListenConfig struct {
	MD5Address string `yaml:"md5_address"`
	JWTAddress string `yaml:"jwt_address"`
	APIPort    int    `yaml:"api_port"`
	APIBind    string `yaml:"api_bind"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
}

// UpstreamConfig points at the real PostgreSQL server.
type UpstreamConfig struct {
	Address        string        `yaml:"address"`
	TLSVerify      bool          `yaml:"tls_verify"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AuthConfig holds the client-facing and server-facing credentials for the
// MD5 variant and the JWT public key for the handshake variant.
type AuthConfig struct {
	ProxyUser      string `yaml:"proxy_user"`
	ProxyPassword  string `yaml:"proxy_password"`
	ServerUser     string `yaml:"server_user"`
	ServerPassword string `yaml:"server_password"`
	JWTPublicKey   string `yaml:"jwt_public_key"`
}

// LimitsConfig bounds per-connection resource use.
type LimitsConfig struct {
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// Redacted returns a copy of the config with credential material masked,
// for exposure over the admin API.
func (c Config) Redacted() Config {
	out := c
	if out.Auth.ProxyPassword != "" {
		out.Auth.ProxyPassword = "***REDACTED***"
	}
	if out.Auth.ServerPassword != "" {
		out.Auth.ServerPassword = "***REDACTED***"
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.MD5Address == "" && cfg.Listen.JWTAddress == "" {
		cfg.Listen.MD5Address = "0.0.0.0:7777"
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Upstream.Address == "" {
		cfg.Upstream.Address = "127.0.0.1:5432"
	}
	if cfg.Upstream.ConnectTimeout == 0 {
		cfg.Upstream.ConnectTimeout = 10 * time.Second
	}
	if cfg.Limits.MaxMessageBytes == 0 {
		cfg.Limits.MaxMessageBytes = 66560
	}
}

func validate(cfg *Config) error {
	if cfg.Listen.MD5Address != "" {
		a := cfg.Auth
		if a.ProxyUser == "" || a.ProxyPassword == "" || a.ServerUser == "" || a.ServerPassword == "" {
			return fmt.Errorf("md5 listener requires proxy_user, proxy_password, server_user and server_password")
		}
	}
	if cfg.Listen.JWTAddress != "" {
		if !cfg.Listen.TLSEnabled() {
			return fmt.Errorf("jwt listener requires tls_cert and tls_key")
		}
		if cfg.Auth.JWTPublicKey == "" {
			return fmt.Errorf("jwt listener requires jwt_public_key")
		}
	}
	if cfg.Limits.MaxMessageBytes < 8 {
		return fmt.Errorf("max_message_bytes %d is below the startup header size", cfg.Limits.MaxMessageBytes)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
