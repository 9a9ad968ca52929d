package credential

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/store"
)

// ResetService implements the password reset flow. Reset tokens are
// single-use, short-lived, and at most one per user is active at a time.
type ResetService struct {
	users    store.UserRepository
	resets   store.ResetTokenRepository
	sessions store.SessionRepository
	ttl      time.Duration
	logger   *slog.Logger
}

// NewResetService creates a ResetService.
func NewResetService(users store.UserRepository, resets store.ResetTokenRepository, sessions store.SessionRepository, ttl time.Duration, logger *slog.Logger) *ResetService {
	return &ResetService{
		users:    users,
		resets:   resets,
		sessions: sessions,
		ttl:      ttl,
		logger:   logger,
	}
}

// Request issues a reset token for the account with the given email,
// retiring any previously active token. It returns the token to hand to the
// delivery channel. An unknown email returns an empty token and no error so
// the caller's response cannot reveal whether the account exists.
func (s *ResetService) Request(ctx context.Context, email string) (string, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeNotFound) {
			s.logger.Info("password reset requested for unknown email")
			return "", nil
		}
		return "", err
	}

	now := time.Now()
	token := &domain.PasswordResetToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.resets.Replace(ctx, token); err != nil {
		return "", err
	}

	s.logger.Info("password reset token issued", "user_id", user.ID)
	return token.ID.String(), nil
}

// Redeem consumes the token and sets the new password. All active sessions
// of the user are terminated so a stolen session cannot outlive the reset.
func (s *ResetService) Redeem(ctx context.Context, rawToken, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	id, err := uuid.Parse(rawToken)
	if err != nil {
		return autherrors.InvalidGrant("reset token invalid or already used")
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return autherrors.Internal("failed to hash password", err)
	}

	userID, err := s.resets.Redeem(ctx, id, hash)
	if err != nil {
		return err
	}

	if err := s.sessions.DeleteByUserID(ctx, userID); err != nil {
		s.logger.Error("failed to terminate sessions after password reset", "user_id", userID, "error", err)
	}

	s.logger.Info("password reset completed", "user_id", userID)
	return nil
}
