package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/domain"
	"github.com/learnforge/lms-auth/internal/store"
)

// ConsentService manages the per-(user, client) scope ledger.
type ConsentService struct {
	consents store.ConsentRepository
	logger   *slog.Logger
}

// NewConsentService creates a ConsentService.
func NewConsentService(consents store.ConsentRepository, logger *slog.Logger) *ConsentService {
	return &ConsentService{consents: consents, logger: logger}
}

// Grant records approval of the scopes, unioning with any prior grant.
func (s *ConsentService) Grant(ctx context.Context, userID uuid.UUID, clientID string, scopes []string) error {
	err := s.consents.Grant(ctx, &domain.ConsentGrant{
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	s.logger.Info("consent granted", "user_id", userID, "client_id", clientID,
		"scopes", domain.JoinScopes(scopes))
	return nil
}

// List returns every grant the user has made.
func (s *ConsentService) List(ctx context.Context, userID uuid.UUID) ([]*domain.ConsentGrant, error) {
	return s.consents.ListByUser(ctx, userID)
}

// Revoke removes the grant and, transactionally, every token issued under
// it: access tokens are deleted and refresh tokens revoked.
func (s *ConsentService) Revoke(ctx context.Context, userID uuid.UUID, clientID string) error {
	if err := s.consents.Revoke(ctx, userID, clientID); err != nil {
		return err
	}
	s.logger.Info("consent revoked with token cascade", "user_id", userID, "client_id", clientID)
	return nil
}
