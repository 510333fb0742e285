package broker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the broker server configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	TLS    TLSConfig    `yaml:"tls"`
	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

// ListenConfig specifies the address to bind on for public HTTP ingress
// and the control channel upgrade endpoint.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// TLSConfig controls the public ingress TLS settings.
type TLSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CertFile        string `yaml:"cert_file"`
	KeyFile         string `yaml:"key_file"`
	AutocertEnabled bool   `yaml:"autocert_enabled"`
	AutocertCache   string `yaml:"autocert_cache_dir"`
}

// AuthConfig holds the shared secret used by the default SharedSecretAuthorizer
// for agent registration, and an optional external authorizer endpoint
// (referenced only — the core never dials it itself; see Authorizer).
type AuthConfig struct {
	SharedSecret      string `yaml:"shared_secret"`
	AuthorizerURL     string `yaml:"authorizer_url"`
}

// TunnelConfig controls tunnel-wide behaviour: the broker domain, body
// cap, request deadline, heartbeat interval, TCP port range, and reserved
// subdomain overrides.
type TunnelConfig struct {
	Path               string        `yaml:"path"`
	BaseDomain         string        `yaml:"base_domain"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	RequestBodyCap     int64         `yaml:"request_body_cap"`
	TCPPortRangeMin    int           `yaml:"tcp_port_range_min"`
	TCPPortRangeMax    int           `yaml:"tcp_port_range_max"`
	ReservedSubdomains []string      `yaml:"reserved_subdomains"`
}

// LoadConfig reads and parses a broker configuration file, applying
// defaults before overlaying the file contents.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Listen: ListenConfig{Addr: ":8080"},
		Tunnel: TunnelConfig{
			Path:            "/tunnel",
			PingInterval:    15 * time.Second,
			IdleTimeout:     45 * time.Second,
			RequestTimeout:  30 * time.Second,
			RequestBodyCap:  1 << 20,
			TCPPortRangeMin: 10000,
			TCPPortRangeMax: 65535,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if domain := os.Getenv("TUNNEL_DOMAIN"); domain != "" {
		cfg.Tunnel.BaseDomain = domain
	}
	if cfg.Tunnel.BaseDomain == "" {
		return nil, fmt.Errorf("tunnel.base_domain is required (or set TUNNEL_DOMAIN)")
	}
	return cfg, nil
}
