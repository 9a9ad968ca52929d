// Package config handles application configuration via environment variables.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the authorization server.
type Config struct {
	// Server settings
	Host string `env:"AUTH_HOST" env-default:"0.0.0.0"`
	Port int    `env:"AUTH_PORT" env-default:"8080"`

	// BaseURL is the issuer and endpoint origin.
	BaseURL string `env:"AUTH_BASE_URL" env-default:"http://localhost:8080"`

	// BasePath is prepended to every OAuth endpoint path.
	BasePath string `env:"AUTH_BASE_PATH" env-default:""`

	// Postgres DSN. Empty selects the in-memory store (development only).
	DatabaseURL string `env:"AUTH_DATABASE_URL" env-default:""`

	// RS256 signing key material (PEM). Both must refer to the same keypair;
	// the JWK kid is derived from the public key content and is stable as
	// long as the PEM does not change.
	RSAPrivateKeyPEM string `env:"AUTH_RSA_PRIVATE_KEY"`
	RSAPublicKeyPEM  string `env:"AUTH_RSA_PUBLIC_KEY"`

	// TokenHMACKey is the pepper for all opaque-token digests.
	TokenHMACKey string `env:"AUTH_TOKEN_HMAC_KEY"`

	// DPoPNonceKey derives server-issued DPoP nonces.
	DPoPNonceKey string `env:"AUTH_DPOP_NONCE_KEY"`

	// Token lifetimes
	AccessTokenTTL  time.Duration `env:"AUTH_ACCESS_TOKEN_TTL" env-default:"1h"`
	RefreshTokenTTL time.Duration `env:"AUTH_REFRESH_TOKEN_TTL" env-default:"720h"` // 30 days
	AuthCodeTTL     time.Duration `env:"AUTH_CODE_TTL" env-default:"60s"`

	// DPoP proof acceptance window (applied as +/- around the server clock).
	DPoPProofWindow time.Duration `env:"AUTH_DPOP_PROOF_WINDOW" env-default:"60s"`

	// Session settings
	SessionDuration time.Duration `env:"AUTH_SESSION_DURATION" env-default:"24h"`
	CookieSecret    string        `env:"AUTH_COOKIE_SECRET"`
	CookieSecure    bool          `env:"AUTH_COOKIE_SECURE" env-default:"false"`
	CookieDomain    string        `env:"AUTH_COOKIE_DOMAIN" env-default:""`

	// Password reset token lifetime
	ResetTokenTTL time.Duration `env:"AUTH_RESET_TOKEN_TTL" env-default:"30m"`

	// Upstream identity system (optional)
	UpstreamBaseURL      string `env:"AUTH_UPSTREAM_BASE_URL" env-default:""`
	UpstreamSharedSecret string `env:"AUTH_UPSTREAM_SHARED_SECRET" env-default:""`

	// Rate limiting
	LoginRateLimit int `env:"AUTH_LOGIN_RATE_LIMIT" env-default:"5"`  // attempts per minute
	TokenRateLimit int `env:"AUTH_TOKEN_RATE_LIMIT" env-default:"60"` // requests per minute per IP

	// Logging
	LogLevel  string `env:"AUTH_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"AUTH_LOG_FORMAT" env-default:"json"` // json or text

	// TestMode short-circuits end-user authentication. Never enable outside
	// test builds.
	TestMode bool `env:"AUTH_TEST_MODE" env-default:"false"`
	// DevelopmentUUIDLogin allows logging in by raw user UUID when TestMode
	// is set.
	DevelopmentUUIDLogin bool `env:"AUTH_DEVELOPMENT_UUID_LOGIN" env-default:"false"`

	// Internal flags (not from env)
	CookieSecretGenerated bool `env:"-"`
	TokenHMACKeyGenerated bool `env:"-"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Generate ephemeral secrets when not provided. Tokens minted under a
	// generated HMAC key do not survive a restart, so production deployments
	// must set AUTH_TOKEN_HMAC_KEY explicitly.
	if cfg.CookieSecret == "" {
		secret, err := generateRandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate cookie secret: %w", err)
		}
		cfg.CookieSecret = secret
		cfg.CookieSecretGenerated = true
	}

	if cfg.TokenHMACKey == "" {
		key, err := generateRandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate token HMAC key: %w", err)
		}
		cfg.TokenHMACKey = key
		cfg.TokenHMACKeyGenerated = true
	}

	if cfg.DPoPNonceKey == "" {
		key, err := generateRandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate DPoP nonce key: %w", err)
		}
		cfg.DPoPNonceKey = key
	}

	return &cfg, nil
}

// Addr returns the server address in host:port format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// generateRandomSecret generates a cryptographically secure random string.
func generateRandomSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
