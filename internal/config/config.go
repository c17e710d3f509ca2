// Package config provides layered configuration for the voteauth service:
// built-in defaults, an optional YAML file, then VOTEAUTH_ environment
// variable overrides, then validation. The resulting structs are passed
// explicitly into constructors; nothing reads the environment afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Auth     AuthConfig     `yaml:"auth"`
	Tally    TallyConfig    `yaml:"tally"`
	Mail     MailConfig     `yaml:"mail"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`          // default ":8080"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default 15s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default 15s
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	RateBurst    int           `yaml:"rate_burst"`
	RatePerSec   int           `yaml:"rate_per_sec"`
}

// PostgresConfig holds database settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig holds the shared secret and token policy plus the OpenID
// Connect provider set.
type AuthConfig struct {
	SharedSecret  string         `yaml:"shared_secret"`
	TokenMaxAge   time.Duration  `yaml:"token_max_age"` // default 2h
	OIDCProviders []OIDCProvider `yaml:"oidc_providers"`
}

// OIDCProvider describes one OpenID Connect issuer the service accepts
// ID tokens from.
type OIDCProvider struct {
	ID       string `yaml:"id"`
	Issuer   string `yaml:"issuer"`
	JWKSURI  string `yaml:"jwks_uri"`
	ClientID string `yaml:"client_id"`
}

// TallyConfig holds the outbound tally callback settings.
type TallyConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Interval time.Duration `yaml:"interval"` // default 60s
	Timeout  time.Duration `yaml:"timeout"`  // default 10s
}

// MailConfig holds the sender identity for outbound email and the public
// base URL placed in validation links.
type MailConfig struct {
	From     string `yaml:"from"`
	LinkBase string `yaml:"link_base"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			MaxBodyBytes: 1 << 20,
			RateBurst:    20,
			RatePerSec:   10,
		},
		Auth: AuthConfig{
			TokenMaxAge: 2 * time.Hour,
		},
		Tally: TallyConfig{
			Interval: time.Minute,
			Timeout:  10 * time.Second,
		},
		Mail: MailConfig{
			From:     "voteauth@localhost",
			LinkBase: "http://localhost:8080",
		},
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and environment overrides apply.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.SharedSecret) == "" {
		return fmt.Errorf("auth.shared_secret is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	seen := map[string]struct{}{}
	for _, p := range c.Auth.OIDCProviders {
		if p.ID == "" || p.Issuer == "" || p.JWKSURI == "" || p.ClientID == "" {
			return fmt.Errorf("oidc provider %q is missing required fields", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate oidc provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VOTEAUTH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("VOTEAUTH_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("VOTEAUTH_SHARED_SECRET"); v != "" {
		cfg.Auth.SharedSecret = v
	}
	if v := os.Getenv("VOTEAUTH_TALLY_BASE"); v != "" {
		cfg.Tally.BaseURL = v
	}
	if v := os.Getenv("VOTEAUTH_TALLY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Tally.Interval = d
		}
	}
	if v := os.Getenv("VOTEAUTH_RATE_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.RatePerSec = n
		}
	}
	if v := os.Getenv("VOTEAUTH_MAIL_FROM"); v != "" {
		cfg.Mail.From = v
	}
	if v := os.Getenv("VOTEAUTH_LINK_BASE"); v != "" {
		cfg.Mail.LinkBase = v
	}
}
