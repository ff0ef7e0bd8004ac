package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway's full runtime configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	TLS        TLSConfig        `yaml:"tls"`
	Auth       AuthConfig       `yaml:"auth"`
	Tunnel     TunnelConfig     `yaml:"tunnel"`
	Subdomain  SubdomainConfig  `yaml:"subdomain"`
	Inspector  InspectorConfig  `yaml:"inspector"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Management ManagementConfig `yaml:"management"`
}

// ListenConfig specifies the addresses to bind on.
type ListenConfig struct {
	PublicAddr  string `yaml:"public_addr"`
	ControlAddr string `yaml:"control_addr"`
}

// TLSConfig controls tls certificate settings for the public listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the shared secret for agent hmac authentication.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

// TunnelConfig controls control-channel and forwarding behaviour.
// HeartbeatInterval is parsed but not read by sessions, which use the
// HeartbeatInterval constant.
type TunnelConfig struct {
	Path             string        `yaml:"path"`
	Apex             string        `yaml:"apex"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// SubdomainConfig controls the tunnel registry's allocation policy.
type SubdomainConfig struct {
	Reserved []string `yaml:"reserved"`
}

// InspectorConfig controls the capture store's retention policy.
type InspectorConfig struct {
	MaxStored int           `yaml:"max_stored"`
	Retention time.Duration `yaml:"retention"`
}

// RateLimitConfig controls the sliding-window limits applied at ingress.
type RateLimitConfig struct {
	ClientLimit int      `yaml:"client_limit"`
	TunnelLimit int      `yaml:"tunnel_limit"`
	GlobalLimit int      `yaml:"global_limit"`
	AllowCIDRs  []string `yaml:"allow_cidrs"`
	DenyCIDRs   []string `yaml:"deny_cidrs"`
}

// ManagementConfig controls the management HTTP surface.
type ManagementConfig struct {
	Addr string `yaml:"addr"`
}

// LoadConfig reads and parses a gateway configuration file, filling in
// defaults for anything the file omits.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Auth.SharedSecret == "" {
		return nil, fmt.Errorf("auth.shared_secret is required")
	}
	if cfg.Tunnel.Apex == "" {
		return nil, fmt.Errorf("tunnel.apex is required")
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			PublicAddr:  ":443",
			ControlAddr: ":8443",
		},
		Tunnel: TunnelConfig{
			Path:              "/_tunnel/ws",
			HeartbeatInterval: HeartbeatInterval,
			RequestTimeout:    RequestTimeout,
		},
		Inspector: InspectorConfig{
			MaxStored: 1000,
			Retention: 30 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			ClientLimit: 120,
			TunnelLimit: 600,
			GlobalLimit: 5000,
		},
		Management: ManagementConfig{
			Addr: ":9090",
		},
	}
}
