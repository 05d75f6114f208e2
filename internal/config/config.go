// Package config loads sellia's server and client configuration using
// spf13/viper, so options can come from a config file, environment
// variables (SELLIA_*), or defaults, layered in that order.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Route maps a path prefix to a local target URL, used by the client's
// first-match-wins routing table.
type Route struct {
	Path   string `mapstructure:"path"`
	Target string `mapstructure:"target"`
}

// ServerConfig holds every option the server binary's config surface
// exposes.
type ServerConfig struct {
	BindHost          string         `mapstructure:"bind_host"`
	BindPort          int            `mapstructure:"bind_port"`
	BaseDomain        string         `mapstructure:"base_domain"`
	UseHTTPS          bool           `mapstructure:"use_https"`
	TCPPortRangeLow   int            `mapstructure:"tcp_port_range_low"`
	TCPPortRangeHigh  int            `mapstructure:"tcp_port_range_high"`
	RequireAuth       bool           `mapstructure:"require_auth"`
	MasterCredential  string         `mapstructure:"master_credential"`
	RateLimitsEnabled bool           `mapstructure:"rate_limits_enabled"`
	TLSCert           string         `mapstructure:"tls_cert"`
	TLSKey            string         `mapstructure:"tls_key"`
	Verbose           bool           `mapstructure:"verbose"`
}

// ClientConfig holds every client-side option, including an ordered route
// table for matching a request path to a local target.
type ClientConfig struct {
	Server     string  `mapstructure:"server"`
	Credential string  `mapstructure:"credential"`
	Subdomain  string  `mapstructure:"subdomain"`
	LocalPort  int     `mapstructure:"local_port"`
	Target     string  `mapstructure:"target"`
	Routes     []Route `mapstructure:"routes"`
	Verbose    bool    `mapstructure:"verbose"`
}

// Config is the full configuration file shape.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("sellia")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.bind_host", "0.0.0.0")
	v.SetDefault("server.bind_port", 3000)
	v.SetDefault("server.base_domain", "127.0.0.1.nip.io:3000")
	v.SetDefault("server.use_https", false)
	v.SetDefault("server.tcp_port_range_low", 10000)
	v.SetDefault("server.tcp_port_range_high", 10999)
	v.SetDefault("server.require_auth", false)
	v.SetDefault("server.rate_limits_enabled", true)

	v.SetDefault("client.verbose", false)
	return v
}

// Load reads configuration from path (if non-empty), layering in
// environment variables and defaults. An empty path is not an error: the
// result is defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// FindConfigFile looks for sellia.yaml in common locations: the current
// directory, then the user's config directory, then their home directory.
func FindConfigFile() string {
	if _, err := os.Stat("sellia.yaml"); err == nil {
		return "sellia.yaml"
	}
	if _, err := os.Stat("sellia.yml"); err == nil {
		return "sellia.yml"
	}

	home, err := os.UserHomeDir()
	if err == nil {
		configPath := filepath.Join(home, ".config", "sellia", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		configPath = filepath.Join(home, ".sellia.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}
	return ""
}

// MatchRoute finds the first matching route for path: exact match or a
// "/*" prefix match, in configuration order. First match wins; this is not
// longest-prefix matching.
func (c *ClientConfig) MatchRoute(path string) string {
	for _, route := range c.Routes {
		pattern := route.Path
		if pattern == path {
			return route.Target
		}
		if strings.HasSuffix(pattern, "/*") {
			prefix := strings.TrimSuffix(pattern, "/*")
			if strings.HasPrefix(path, prefix) {
				return route.Target
			}
		}
	}
	return c.Target
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("invalid bind_port: %d (must be 0-65535)", c.BindPort)
	}
	if c.TCPPortRangeLow > 0 && c.TCPPortRangeHigh > 0 && c.TCPPortRangeLow > c.TCPPortRangeHigh {
		return fmt.Errorf("invalid tcp_port_range: low (%d) must be <= high (%d)", c.TCPPortRangeLow, c.TCPPortRangeHigh)
	}
	if (c.TLSCert != "") != (c.TLSKey != "") {
		return fmt.Errorf("both tls_cert and tls_key must be set, or neither")
	}
	if c.TLSCert != "" {
		if _, err := os.Stat(c.TLSCert); err != nil {
			return fmt.Errorf("tls_cert file not found: %s", c.TLSCert)
		}
	}
	if c.TLSKey != "" {
		if _, err := os.Stat(c.TLSKey); err != nil {
			return fmt.Errorf("tls_key file not found: %s", c.TLSKey)
		}
	}
	return nil
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if c.Server != "" {
		u, err := url.Parse(c.Server)
		if err != nil {
			return fmt.Errorf("invalid server URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("invalid server URL scheme: %s (must be http, https, ws, or wss)", u.Scheme)
		}
	}
	if c.Target != "" {
		if _, err := url.Parse(c.Target); err != nil {
			return fmt.Errorf("invalid target URL: %w", err)
		}
	}
	for i, route := range c.Routes {
		if route.Path == "" {
			return fmt.Errorf("route %d: path is required", i)
		}
		if route.Target == "" {
			return fmt.Errorf("route %d: target is required", i)
		}
		if _, err := url.Parse(route.Target); err != nil {
			return fmt.Errorf("route %d: invalid target URL: %w", i, err)
		}
	}
	return nil
}

// ExampleConfig is a sample config file covering every server and client
// option.
const ExampleConfig = `# sellia configuration file

server:
  bind_host: 0.0.0.0
  bind_port: 3000
  base_domain: relay.example.com
  use_https: true
  tcp_port_range_low: 10000
  tcp_port_range_high: 10999
  require_auth: true
  master_credential: your-secret-token
  rate_limits_enabled: true
  # tls_cert: /path/to/cert.pem
  # tls_key: /path/to/key.pem

client:
  server: https://relay.example.com
  credential: your-secret-token
  subdomain: my-project
  local_port: 8080
  verbose: false

  # Single target (simple mode)
  target: http://localhost:3000

  # OR multiple targets (first match wins)
  # routes:
  #   - path: /api/*
  #     target: http://localhost:3000
  #   - path: /webhooks
  #     target: http://localhost:4000
  #   - path: /*
  #     target: http://localhost:8080
`
