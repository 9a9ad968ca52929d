package credential

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/store"
)

// dummyHash is a hash of a random throwaway password. When the submitted
// email matches no user, or the user has no password row, verification runs
// against this hash anyway so the response time does not reveal whether the
// account exists.
var dummyHash = sync.OnceValue(func() string {
	hash, err := HashPassword(uuid.NewString())
	if err != nil {
		panic("failed to derive dummy password hash: " + err.Error())
	}
	return hash
})

// Verifier authenticates users against the stored password hashes.
type Verifier struct {
	users     store.UserRepository
	passwords store.PasswordRepository
	logger    *slog.Logger
}

// NewVerifier creates a Verifier over the given repositories.
func NewVerifier(users store.UserRepository, passwords store.PasswordRepository, logger *slog.Logger) *Verifier {
	return &Verifier{
		users:     users,
		passwords: passwords,
		logger:    logger,
	}
}

// Authenticate checks the email and password pair and returns the matching
// active user. Every failure path runs exactly one Argon2id verification and
// returns the same unauthorized error.
func (v *Verifier) Authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	failed := autherrors.Unauthorized("invalid email or password")

	user, err := v.users.GetByEmail(ctx, email)
	if err != nil {
		if !autherrors.IsCode(err, autherrors.CodeNotFound) {
			return nil, err
		}
		VerifyPassword(password, dummyHash())
		return nil, failed
	}

	hash, err := v.passwords.Get(ctx, user.ID)
	if err != nil {
		if !autherrors.IsCode(err, autherrors.CodeNotFound) {
			return nil, err
		}
		VerifyPassword(password, dummyHash())
		return nil, failed
	}

	ok, err := VerifyPassword(password, hash)
	if err != nil {
		v.logger.Error("stored password hash is unreadable", "user_id", user.ID, "error", err)
		return nil, failed
	}
	if !ok {
		return nil, failed
	}

	if !user.Active {
		v.logger.Warn("login attempt for deactivated user", "user_id", user.ID)
		return nil, failed
	}

	return user, nil
}

// SetPassword hashes and stores a new password for the user.
func (v *Verifier) SetPassword(ctx context.Context, userID uuid.UUID, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return autherrors.Internal("failed to hash password", err)
	}
	return v.passwords.Upsert(ctx, userID, hash)
}

// ValidatePassword enforces the minimum password policy.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return autherrors.InvalidRequest("password must be at least 8 characters")
	}
	if len(password) > 512 {
		return autherrors.InvalidRequest("password is too long")
	}
	return nil
}
