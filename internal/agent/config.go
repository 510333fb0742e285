package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration.
type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Local  LocalConfig  `yaml:"local"`
	Proxy  ProxyConfig  `yaml:"proxy"`
	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

// BrokerConfig specifies the broker's control-channel endpoint and TLS
// dial options (§6, §9 "TLS configuration at dial").
type BrokerConfig struct {
	URL      string `yaml:"url"`
	Insecure bool   `yaml:"insecure"`
	CABundle string `yaml:"ca_bundle"`
}

// LocalConfig specifies the local service the agent forwards to.
type LocalConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProxyConfig controls an optional corporate SOCKS5/HTTP-CONNECT proxy
// the control connection dials through.
type ProxyConfig struct {
	URL             string        `yaml:"url"`
	VerifyRouting   bool          `yaml:"verify_routing"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	IPCheckURL      string        `yaml:"ip_check_url"`
}

// AuthConfig holds the shared secret used to derive the registration
// bearer token (§4.2, matches broker.SharedSecretAuthorizer).
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

// TunnelConfig controls registration, heartbeat, local dispatch timeouts,
// and the exact reconnection policy (§4.6).
type TunnelConfig struct {
	Subdomain             string        `yaml:"subdomain"`
	Password              string        `yaml:"password"`
	Protocol              string        `yaml:"protocol"` // "http" or "tcp"
	IPAllowList           []string      `yaml:"ip_allow_list"`
	PingInterval          time.Duration `yaml:"ping_interval"`
	RegistrationTimeout   time.Duration `yaml:"registration_timeout"`
	LocalRequestTimeout   time.Duration `yaml:"local_request_timeout"`
	ReconnectBaseDelay    time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitterFactor float64       `yaml:"reconnect_jitter_factor"`
	ReconnectMaxAttempts  int           `yaml:"reconnect_max_attempts"`
}

// LoadConfig reads and parses an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Local: LocalConfig{Host: "localhost", Port: 3000},
		Proxy: ProxyConfig{
			VerifyRouting:   true,
			HealthTimeout:   10 * time.Second,
			RecheckInterval: 5 * time.Minute,
			IPCheckURL:      defaultIPCheckURL,
		},
		Tunnel: TunnelConfig{
			Protocol:              "http",
			PingInterval:          30 * time.Second,
			RegistrationTimeout:   10 * time.Second,
			LocalRequestTimeout:   30 * time.Second,
			ReconnectBaseDelay:    1000 * time.Millisecond,
			ReconnectMaxDelay:     60000 * time.Millisecond,
			ReconnectJitterFactor: 0.30,
			ReconnectMaxAttempts:  10,
		},
	}
}

// applyEnvOverrides layers LT_PASSWORD over the config file (§6, "preferred
// for scripted usage").
func applyEnvOverrides(cfg *Config) {
	if pw := os.Getenv("LT_PASSWORD"); pw != "" {
		cfg.Tunnel.Password = pw
	}
}

func (cfg *Config) validate() error {
	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if cfg.Tunnel.Protocol != "http" && cfg.Tunnel.Protocol != "tcp" {
		return fmt.Errorf("tunnel.protocol must be \"http\" or \"tcp\", got %q", cfg.Tunnel.Protocol)
	}
	return nil
}
