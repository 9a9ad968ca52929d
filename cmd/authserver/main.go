// Command authserver runs the OAuth 2.1 / OIDC authorization server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/learnforge/lms-auth/internal/auth"
	"github.com/learnforge/lms-auth/internal/config"
	"github.com/learnforge/lms-auth/internal/credential"
	"github.com/learnforge/lms-auth/internal/crypto"
	"github.com/learnforge/lms-auth/internal/dpop"
	authhttp "github.com/learnforge/lms-auth/internal/http"
	"github.com/learnforge/lms-auth/internal/oauth"
	"github.com/learnforge/lms-auth/internal/store"
	"github.com/learnforge/lms-auth/internal/store/memory"
	"github.com/learnforge/lms-auth/internal/store/postgres"
	"github.com/learnforge/lms-auth/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.TokenHMACKeyGenerated {
		logger.Warn("AUTH_TOKEN_HMAC_KEY not set; tokens will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	keyPair, err := loadKeyPair(cfg, logger)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	digester := crypto.NewDigester([]byte(cfg.TokenHMACKey))
	nonces := dpop.NewNonceIssuer([]byte(cfg.DPoPNonceKey))
	dpopVerifier := dpop.NewVerifier([]byte(cfg.DPoPNonceKey), dpop.WithProofWindow(cfg.DPoPProofWindow))
	idTokens := crypto.NewIDTokenIssuer(keyPair, issuer(cfg))

	sessions := auth.NewSessionManager(st.Sessions(), cfg.SessionDuration, cfg.CookieSecure, cfg.CookieDomain, logger)
	csrf := auth.NewCSRF([]byte(cfg.CookieSecret))
	consent := auth.NewConsentService(st.Consents(), logger)
	verifier := credential.NewVerifier(st.Users(), st.Passwords(), logger)
	resets := credential.NewResetService(st.Users(), st.ResetTokens(), st.Sessions(), cfg.ResetTokenTTL, logger)

	authorize := oauth.NewAuthorizeService(st.Clients(), st.AuthCodes(), st.Consents(), digester, cfg.AuthCodeTTL, logger)
	tokens := oauth.NewTokenService(st.Clients(), st.AuthCodes(), st.Tokens(), digester, idTokens, dpopVerifier, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, logger)
	userinfo := oauth.NewUserinfoService(st.Tokens(), st.Users(), st.Clients(), digester, dpopVerifier, logger)

	var up *upstream.Client
	if cfg.UpstreamBaseURL != "" {
		up = upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamSharedSecret, logger)
	}

	go sweepExpired(ctx, st, logger)

	server := authhttp.NewServer(authhttp.Deps{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Sessions:  sessions,
		CSRF:      csrf,
		Consent:   consent,
		Verifier:  verifier,
		Resets:    resets,
		Authorize: authorize,
		Tokens:    tokens,
		Userinfo:  userinfo,
		Nonces:    nonces,
		KeyPair:   keyPair,
		Upstream:  up,
	})
	return server.Run(ctx)
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func loadKeyPair(cfg *config.Config, logger *slog.Logger) (*crypto.KeyPair, error) {
	if cfg.RSAPrivateKeyPEM != "" && cfg.RSAPublicKeyPEM != "" {
		return crypto.LoadKeyPair([]byte(cfg.RSAPrivateKeyPEM), []byte(cfg.RSAPublicKeyPEM))
	}
	logger.Warn("no RSA keypair configured; generating an ephemeral signing key")
	return crypto.GenerateKeyPair(2048)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("AUTH_DATABASE_URL not set; using the in-memory store")
		return memory.NewStore(), nil
	}
	st, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Setup(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// sweepExpired deletes expired sessions, codes, and tokens on an interval.
func sweepExpired(ctx context.Context, st store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sweep := range map[string]func(context.Context) error{
				"sessions":   st.Sessions().DeleteExpired,
				"auth_codes": st.AuthCodes().DeleteExpired,
				"tokens":     st.Tokens().DeleteExpired,
			} {
				if err := sweep(ctx); err != nil {
					logger.Error("expiry sweep failed", "target", name, "error", err)
				}
			}
		}
	}
}

func issuer(cfg *config.Config) string {
	return strings.TrimSuffix(cfg.BaseURL, "/") + cfg.BasePath
}
