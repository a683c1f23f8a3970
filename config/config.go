// Package config loads the settings of a duplexd process from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"duplex-rpc/codec"
)

const (
	RoleHost   = "host"
	RoleClient = "client"
)

type Config struct {
	Name            string          `yaml:"name"`   // directory name hosts register under
	Role            string          `yaml:"role"`   // host or client
	Listen          string          `yaml:"listen"` // host: address to accept connections on
	Addr            string          `yaml:"addr"`   // client: dial directly, skipping discovery
	Codec           string          `yaml:"codec"`
	Heartbeat       time.Duration   `yaml:"heartbeat"`
	CallTimeout     time.Duration   `yaml:"call_timeout"`
	HandlerTimeout  time.Duration   `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimit       `yaml:"rate_limit"`
	Balancer        string          `yaml:"balancer"`
	Discovery       DiscoveryConfig `yaml:"discovery"`
	LogLevel        string          `yaml:"log_level"`
}

// RateLimit caps inbound calls per connection. A zero Rate disables the limit.
type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// DiscoveryConfig points at etcd. Without endpoints an in-memory directory is used.
type DiscoveryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Weight      int           `yaml:"weight"`
}

func Default() *Config {
	return &Config{
		Name:            "duplex",
		Role:            RoleHost,
		Listen:          "127.0.0.1:7070",
		Codec:           "json",
		Heartbeat:       30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Balancer:        "round_robin",
		Discovery: DiscoveryConfig{
			TTL:         10 * time.Second,
			DialTimeout: 5 * time.Second,
			Weight:      1,
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	switch c.Role {
	case RoleHost:
		if c.Listen == "" {
			errs = append(errs, errors.New("host role needs listen"))
		}
	case RoleClient:
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", c.Role))
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, err)
	}
	switch c.Balancer {
	case "round_robin", "weighted_random", "consistent_hash":
	default:
		errs = append(errs, fmt.Errorf("unknown balancer %q", c.Balancer))
	}
	for name, d := range map[string]time.Duration{
		"heartbeat":              c.Heartbeat,
		"call_timeout":           c.CallTimeout,
		"handler_timeout":        c.HandlerTimeout,
		"shutdown_timeout":       c.ShutdownTimeout,
		"discovery.ttl":          c.Discovery.TTL,
		"discovery.dial_timeout": c.Discovery.DialTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CodecType returns the configured codec. Call after Validate.
func (c *Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}
