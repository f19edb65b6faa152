// Package config loads and validates AAP's runtime configuration from
// AAP_* environment variables, with an optional YAML file supplying
// defaults for any Config field underneath them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by cmd/as and cmd/rs. Each binary
// only reads the sections relevant to it and validates accordingly.
type Config struct {
	Issuer        string              `yaml:"issuer"`
	AS            ASConfig            `yaml:"as"`
	RS            RSConfig            `yaml:"rs"`
	Signing       SigningConfig       `yaml:"signing"`
	Policy        PolicyConfig        `yaml:"policy"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	StaticClient  StaticClientConfig  `yaml:"static_client"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	Tracing       TracingConfig       `yaml:"tracing"`
}

// ASConfig describes the Authorization Server's listen address.
type ASConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RSConfig describes the Resource Server's listen address and the claims
// it requires of a presented token.
type RSConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Audience       string   `yaml:"audience"`
	TrustedIssuers []string `yaml:"trusted_issuers"`
}

// SigningConfig describes the AS's token-signing key material.
type SigningConfig struct {
	Algorithm      string `yaml:"algorithm"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
	KeyID          string `yaml:"key_id"`
}

// PolicyConfig describes where operator policies live and the fallback
// values used when a policy file omits them.
type PolicyConfig struct {
	Path                       string  `yaml:"path"`
	DefaultTokenLifetime       int     `yaml:"default_token_lifetime"`
	DefaultMaxDelegationDepth  int     `yaml:"default_max_delegation_depth"`
	DelegatedLifetimeReduction float64 `yaml:"delegated_lifetime_reduction"`
}

// RateLimitConfig selects the constraint enforcer's rate-counter backend.
type RateLimitConfig struct {
	Store     string `yaml:"store"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
}

// StaticClientConfig configures the token endpoint's single built-in
// client_credentials client.
type StaticClientConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"-"`
}

// ServerConfig describes operational HTTP server tuning, independent of
// AAP domain semantics.
type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// ObservabilityConfig describes logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

// TracingConfig describes OpenTelemetry trace export settings. Tracing is
// off by default; enabling it lets the AS and RS correlate their audit
// trace_id claim with exported spans.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// Defaults returns a Config with sensible default values; env vars and an
// optional YAML overlay are applied on top of these.
func Defaults() *Config {
	return &Config{
		AS: ASConfig{Host: "0.0.0.0", Port: 8080},
		RS: RSConfig{Host: "0.0.0.0", Port: 8081},
		Signing: SigningConfig{
			Algorithm: "RS256",
			KeyID:     "default",
		},
		Policy: PolicyConfig{
			DefaultTokenLifetime:       3600,
			DefaultMaxDelegationDepth:  2,
			DelegatedLifetimeReduction: 0.5,
		},
		RateLimit: RateLimitConfig{Store: "memory"},
		Server: ServerConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
				MaxAge:         86400,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			MetricsPath: "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "otlp",
			SamplingRate: 0.1,
		},
	}
}

// Load builds a Config from Defaults(), an optional YAML overlay at path
// (any yaml-tagged field of Config may be set there; a missing file is not
// an error since the overlay is optional), and finally AAP_* environment
// variables, which always win.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// ValidateAS checks the fields cmd/as requires.
func (c *Config) ValidateAS() error {
	var errs []string
	if c.Issuer == "" {
		errs = append(errs, "AAP_ISSUER is required")
	}
	if c.AS.Port < 1 || c.AS.Port > 65535 {
		errs = append(errs, "AAP_AS_PORT must be between 1 and 65535")
	}
	if c.Signing.Algorithm != "RS256" && c.Signing.Algorithm != "ES256" {
		errs = append(errs, "AAP_SIGNING_ALGORITHM must be RS256 or ES256")
	}
	if c.Signing.PrivateKeyPath == "" {
		errs = append(errs, "AAP_PRIVATE_KEY_PATH is required")
	}
	if c.Policy.Path == "" {
		errs = append(errs, "AAP_POLICY_PATH is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateRS checks the fields cmd/rs requires.
func (c *Config) ValidateRS() error {
	var errs []string
	if c.RS.Port < 1 || c.RS.Port > 65535 {
		errs = append(errs, "AAP_RS_PORT must be between 1 and 65535")
	}
	if c.RS.Audience == "" {
		errs = append(errs, "AAP_RS_AUDIENCE is required")
	}
	if len(c.RS.TrustedIssuers) == 0 {
		errs = append(errs, "AAP_TRUSTED_ISSUERS is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads the AAP_* environment variables enumerated in
// the external interface spec and overrides cfg accordingly.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AAP_ISSUER"); v != "" {
		cfg.Issuer = v
	}
	if v := os.Getenv("AAP_AS_HOST"); v != "" {
		cfg.AS.Host = v
	}
	if v := envInt("AAP_AS_PORT"); v != 0 {
		cfg.AS.Port = v
	}
	if v := os.Getenv("AAP_DEFAULT_TOKEN_LIFETIME"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.DefaultTokenLifetime = n
		}
	}
	if v := os.Getenv("AAP_DELEGATED_LIFETIME_REDUCTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Policy.DelegatedLifetimeReduction = f
		}
	}
	if v := os.Getenv("AAP_SIGNING_ALGORITHM"); v != "" {
		cfg.Signing.Algorithm = v
	}
	if v := os.Getenv("AAP_PRIVATE_KEY_PATH"); v != "" {
		cfg.Signing.PrivateKeyPath = v
	}
	if v := os.Getenv("AAP_PUBLIC_KEY_PATH"); v != "" {
		cfg.Signing.PublicKeyPath = v
	}
	if v := os.Getenv("AAP_KEY_ID"); v != "" {
		cfg.Signing.KeyID = v
	}
	if v := os.Getenv("AAP_POLICY_PATH"); v != "" {
		cfg.Policy.Path = v
	}
	if v := envInt("AAP_DEFAULT_MAX_DELEGATION_DEPTH"); v != 0 {
		cfg.Policy.DefaultMaxDelegationDepth = v
	}
	if v := os.Getenv("AAP_RS_AUDIENCE"); v != "" {
		cfg.RS.Audience = v
	}
	if v := os.Getenv("AAP_TRUSTED_ISSUERS"); v != "" {
		cfg.RS.TrustedIssuers = splitCommaList(v)
	}
	if v := os.Getenv("AAP_RS_HOST"); v != "" {
		cfg.RS.Host = v
	}
	if v := envInt("AAP_RS_PORT"); v != 0 {
		cfg.RS.Port = v
	}
	if v := os.Getenv("AAP_RATE_LIMIT_STORE"); v != "" {
		cfg.RateLimit.Store = v
	}
	if v := os.Getenv("AAP_REDIS_ADDR"); v != "" {
		cfg.RateLimit.RedisAddr = v
	}
	if v := os.Getenv("AAP_STATIC_CLIENT_ID"); v != "" {
		cfg.StaticClient.ClientID = v
	}
	if v := os.Getenv("AAP_STATIC_CLIENT_SECRET"); v != "" {
		cfg.StaticClient.ClientSecret = v
	}
	if v := os.Getenv("AAP_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("AAP_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AAP_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("AAP_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("AAP_TRACING_SAMPLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SamplingRate = f
		}
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
