// Package config merges an optional YAML defaults file with the CLI flags
// of the "run" subcommand into one immutable Config.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Logging mirrors the top-level --log flag / VPROXY_LOG env var.
type Logging struct {
	Level string `yaml:"level"`
}

// TLSConfig names a cert/key pair for the https subcommand, or leaves both
// empty to request a generated self-signed pair.
type TLSConfig struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	SNIGuard string `yaml:"sni_guard"`
}

// MetricsConfig enables the optional InfluxDB export.
type MetricsConfig struct {
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// ControlAPI configures the loopback admin surface.
type ControlAPI struct {
	Bind string `yaml:"bind"` // default 127.0.0.1:0 (ephemeral)
}

// Protocol selects which forward-proxy subcommand is active.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Config is the fully resolved configuration for one "run" invocation.
type Config struct {
	Logging    Logging       `yaml:"logging"`
	ControlAPI ControlAPI    `yaml:"control_api"`
	Metrics    MetricsConfig `yaml:"metrics"`

	Bind           string        `yaml:"bind"`
	ConnectTimeout time.Duration `yaml:"-"`
	Concurrent     int           `yaml:"concurrent"`

	CIDR      netip.Prefix `yaml:"-"`
	CIDRRange *int         `yaml:"-"`
	Fallback  netip.Addr   `yaml:"-"`

	Protocol Protocol  `yaml:"-"`
	TLS      TLSConfig `yaml:"tls"`

	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// Defaults is the subset of Config that may come from a YAML defaults file;
// CLI flags always win over it for per-run fields (bind, cidr, protocol,
// and username/password are deliberately CLI-only and never read from the
// defaults file).
type Defaults struct {
	Logging    Logging       `yaml:"logging"`
	ControlAPI ControlAPI    `yaml:"control_api"`
	Metrics    MetricsConfig `yaml:"metrics"`
	Concurrent int           `yaml:"concurrent"`
	TLS        TLSConfig     `yaml:"tls"`
}

// LoadDefaults reads an optional YAML defaults file. A missing file is not
// an error: the zero-value defaults apply.
func LoadDefaults(path string) (Defaults, error) {
	var r Defaults
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return r, err
	}
	if err := yaml.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return r, nil
}

// Apply merges CLI-flag values (in c) over defaults (in r), returning a new
// Config. CLI flags always take precedence when set (non-zero).
func (c Config) Apply(r Defaults) Config {
	if c.Logging.Level == "" {
		c.Logging.Level = r.Logging.Level
	}
	if c.ControlAPI.Bind == "" {
		c.ControlAPI.Bind = r.ControlAPI.Bind
	}
	if c.Metrics.InfluxURL == "" {
		c.Metrics = r.Metrics
	}
	if c.Concurrent == 0 {
		c.Concurrent = r.Concurrent
	}
	if c.TLS.Cert == "" && c.TLS.Key == "" {
		c.TLS = r.TLS
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Concurrent == 0 {
		c.Concurrent = 1024
	}
	if c.Bind == "" {
		c.Bind = "0.0.0.0:1080"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// ParseCIDR parses the --cidr flag value. An empty string means "no CIDR
// configured" and returns the zero Prefix with no error.
func ParseCIDR(s string) (netip.Prefix, error) {
	if s == "" {
		return netip.Prefix{}, nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("config: invalid --cidr %q: %w", s, err)
	}
	return p, nil
}

// ParseFallback parses the --fallback flag value. An empty string means "no
// fallback configured" and returns the zero Addr with no error.
func ParseFallback(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("config: invalid --fallback %q: %w", s, err)
	}
	return a, nil
}
