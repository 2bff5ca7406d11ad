// Package config loads runtime settings: defaults, then an optional YAML
// file, then AUTHLINK_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds runtime settings for the authlink service.
type Config struct {
	HTTPAddr     string        `yaml:"http_addr"      env:"AUTHLINK_HTTP_ADDR"`
	GRPCAddr     string        `yaml:"grpc_addr"      env:"AUTHLINK_GRPC_ADDR"`
	PGDSN        string        `yaml:"pg_dsn"         env:"AUTHLINK_PG_DSN"`
	AutoMigrate  bool          `yaml:"auto_migrate"   env:"AUTHLINK_AUTO_MIGRATE"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" env:"AUTHLINK_MAX_BODY_BYTES"`
	SweepEvery   time.Duration `yaml:"sweep_every"    env:"AUTHLINK_SWEEP_EVERY"`
	// PendingTTL is how long an unconfirmed claim survives before the sweeper drops it.
	PendingTTL time.Duration `yaml:"pending_ttl" env:"AUTHLINK_PENDING_TTL"`

	Session   SessionConfig   `yaml:"session"    envPrefix:"AUTHLINK_SESSION_"`
	Codes     CodesConfig     `yaml:"codes"      envPrefix:"AUTHLINK_CODE_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"AUTHLINK_RATE_"`
	Providers ProvidersConfig `yaml:"providers"  envPrefix:"AUTHLINK_PROVIDER_"`
}

type SessionConfig struct {
	Secret        string        `yaml:"secret"          env:"SECRET"`
	Issuer        string        `yaml:"issuer"          env:"ISSUER"`
	TTL           time.Duration `yaml:"ttl"             env:"TTL"`
	KeyID         string        `yaml:"key_id"          env:"KEY_ID"`
	PrivateKeyPEM string        `yaml:"private_key_pem" env:"PRIVATE_KEY_PEM"`
	PublicKeyPEM  string        `yaml:"public_key_pem"  env:"PUBLIC_KEY_PEM"`
}

type CodesConfig struct {
	TTL      time.Duration `yaml:"ttl"      env:"TTL"`
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	Digits   int           `yaml:"digits"   env:"DIGITS"`
	// Fixed makes every code equal this value. Development only.
	Fixed string `yaml:"fixed" env:"FIXED"`
	// ClaimWindow is how long a pending claim blocks other accounts.
	// Zero means the cooldown.
	ClaimWindow time.Duration `yaml:"claim_window" env:"CLAIM_WINDOW"`
	// LogPlaintext writes issued codes to the log. Development only.
	LogPlaintext bool `yaml:"log_plaintext" env:"LOG_PLAINTEXT"`
}

type RateLimitConfig struct {
	Burst     int `yaml:"burst"      env:"BURST"`
	PerSecond int `yaml:"per_second" env:"PER_SECOND"`
	// TrustProxy keys limits on X-Forwarded-For. Enable only behind a proxy.
	TrustProxy bool `yaml:"trust_proxy" env:"TRUST_PROXY"`
}

// ProvidersConfig holds the HS256 secrets used to verify social ID tokens.
type ProvidersConfig struct {
	Audience       string `yaml:"audience"        env:"AUDIENCE"`
	GoogleSecret   string `yaml:"google_secret"   env:"GOOGLE_SECRET"`
	AppleSecret    string `yaml:"apple_secret"    env:"APPLE_SECRET"`
	FacebookSecret string `yaml:"facebook_secret" env:"FACEBOOK_SECRET"`
}

// Defaults returns development defaults. The session secret is left empty
// and must be provided.
func Defaults() Config {
	return Config{
		HTTPAddr:     ":8080",
		GRPCAddr:     ":9090",
		MaxBodyBytes: 1 << 20,
		SweepEvery:   time.Minute,
		PendingTTL:   24 * time.Hour,
		Session: SessionConfig{
			Issuer: "authlink",
			TTL:    30 * 24 * time.Hour,
		},
		Codes: CodesConfig{
			TTL:      10 * time.Minute,
			Cooldown: time.Minute,
			Digits:   6,
		},
		RateLimit: RateLimitConfig{
			Burst:     20,
			PerSecond: 10,
		},
	}
}

// Load applies defaults, the YAML file at path (or AUTHLINK_CONFIG when path
// is empty) and the environment, then validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		path = strings.TrimSpace(os.Getenv("AUTHLINK_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if strings.TrimSpace(c.Session.Secret) == "" && strings.TrimSpace(c.Session.PrivateKeyPEM) == "" {
		errs = append(errs, errors.New("session secret or private key is required"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.Codes.TTL <= 0 {
		errs = append(errs, errors.New("code ttl must be positive"))
	}
	if c.Codes.Cooldown < 0 {
		errs = append(errs, errors.New("code cooldown must not be negative"))
	}
	if c.Codes.Digits < 4 || c.Codes.Digits > 18 {
		errs = append(errs, fmt.Errorf("code digits must be within 4..18, got %d", c.Codes.Digits))
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.PerSecond <= 0 {
		errs = append(errs, errors.New("rate limit burst and per_second must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
