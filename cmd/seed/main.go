// Command seed provisions development data: a demo user with a password and
// three OAuth clients covering the public, confidential, and DPoP-only
// configurations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/learnforge/lms-auth/internal/config"
	"github.com/learnforge/lms-auth/internal/credential"
	"github.com/learnforge/lms-auth/internal/crypto"
	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/store/postgres"
)

func main() {
	email := flag.String("email", "student@example.com", "demo user email")
	password := flag.String("password", "correct horse battery staple", "demo user password")
	redirect := flag.String("redirect", "http://localhost:3000/callback", "client redirect URI")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("AUTH_DATABASE_URL is required for seeding")
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Setup(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	if err := seed(ctx, st, cfg, *email, *password, *redirect, logger); err != nil {
		logger.Error("seeding failed", "error", err)
		os.Exit(1)
	}
}

func seed(ctx context.Context, st *postgres.Store, cfg *config.Config, email, password, redirect string, logger *slog.Logger) error {
	digester := crypto.NewDigester([]byte(cfg.TokenHMACKey))
	scopes := []string{"openid", "profile", "email", "offline_access"}

	user := &domain.User{
		ID:     uuid.New(),
		Email:  email,
		Active: true,
	}
	switch existing, err := st.Users().GetByEmail(ctx, email); {
	case err == nil:
		user = existing
		logger.Info("demo user already present", "user_id", user.ID)
	case autherrors.IsCode(err, autherrors.CodeNotFound):
		if err := st.Users().Create(ctx, user); err != nil {
			return err
		}
		hash, err := credential.HashPassword(password)
		if err != nil {
			return err
		}
		if err := st.Passwords().Upsert(ctx, user.ID, hash); err != nil {
			return err
		}
		logger.Info("demo user created", "user_id", user.ID, "email", email)
	default:
		return err
	}

	confidentialSecret, err := crypto.NewOpaqueToken()
	if err != nil {
		return err
	}

	clients := []*domain.Client{
		{
			ID:            uuid.New(),
			ClientID:      "demo-public",
			Name:          "Demo Public Client",
			RedirectURIs:  []string{redirect},
			Scopes:        scopes,
			PKCEMethods:   []string{domain.PKCEMethodS256},
			PKCERequired:  true,
			BearerAllowed: true,
		},
		{
			ID:            uuid.New(),
			ClientID:      "demo-confidential",
			Name:          "Demo Confidential Client",
			SecretDigest:  digester.Sum(confidentialSecret),
			RedirectURIs:  []string{redirect},
			Scopes:        scopes,
			PKCEMethods:   []string{domain.PKCEMethodS256},
			BearerAllowed: true,
		},
		{
			ID:            uuid.New(),
			ClientID:      "demo-dpop",
			Name:          "Demo DPoP Client",
			RedirectURIs:  []string{redirect},
			Scopes:        scopes,
			PKCEMethods:   []string{domain.PKCEMethodS256},
			PKCERequired:  true,
			BearerAllowed: false,
		},
	}

	for _, client := range clients {
		if _, err := st.Clients().GetByClientID(ctx, client.ClientID); err == nil {
			logger.Info("client already present", "client_id", client.ClientID)
			continue
		} else if !autherrors.IsCode(err, autherrors.CodeNotFound) {
			return err
		}
		if err := st.Clients().Create(ctx, client); err != nil {
			return err
		}
		logger.Info("client created", "client_id", client.ClientID)
	}

	fmt.Printf("demo user:            %s / %s\n", email, password)
	fmt.Printf("demo-confidential secret: %s\n", confidentialSecret)
	return nil
}
