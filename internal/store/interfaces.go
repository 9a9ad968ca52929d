// Package store defines repository interfaces for persistence.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/domain"
)

// ErrReplay marks a refresh-token replay. It is wrapped inside the
// invalid_grant error returned by ConsumeRefresh so callers can emit a
// security event.
var ErrReplay = errors.New("refresh token replay")

// UserRepository defines operations for user persistence.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) error
}

// ClientRepository defines operations for OAuth client persistence.
type ClientRepository interface {
	Create(ctx context.Context, client *domain.Client) error
	GetByClientID(ctx context.Context, clientID string) (*domain.Client, error)
}

// SessionRepository defines operations for session persistence.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByUserID(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}

// AuthCodeRepository defines operations for authorization code persistence.
type AuthCodeRepository interface {
	Create(ctx context.Context, code *domain.AuthCode) error
	// Consume atomically removes and returns the unexpired code matching
	// both digest and clientID in a single statement, so two concurrent
	// token requests with the same code cannot both succeed. A miss yields
	// invalid_grant.
	Consume(ctx context.Context, digest []byte, clientID string) (*domain.AuthCode, error)
	DeleteExpired(ctx context.Context) error
}

// TokenRepository defines operations for access and refresh tokens.
// All mutations run inside a single database transaction.
type TokenRepository interface {
	// IssuePair persists one access-token row and one refresh-token row
	// atomically.
	IssuePair(ctx context.Context, access *domain.AccessToken, refresh *domain.RefreshToken) error
	// RotateRefresh consumes the refresh token matching digest and clientID
	// (locate + mark revoked in a single statement) and persists the pair
	// returned by mint with RotatedFrom = old.Digest, all in one
	// transaction. If mint errors the transaction rolls back and no new
	// tokens are observable. Consuming an already-revoked token revokes its
	// entire rotation family and fails with invalid_grant wrapping
	// ErrReplay.
	RotateRefresh(ctx context.Context, digest []byte, clientID string, mint func(old *domain.RefreshToken) (*domain.AccessToken, *domain.RefreshToken, error)) (*domain.RefreshToken, error)
	// GetAccessToken returns an unexpired access token by digest.
	GetAccessToken(ctx context.Context, digest []byte) (*domain.AccessToken, error)
	// FindValidRefresh returns a refresh token only if not revoked and not
	// expired.
	FindValidRefresh(ctx context.Context, digest []byte) (*domain.RefreshToken, error)
	// DeleteAccessToken removes an access token owned by clientID.
	DeleteAccessToken(ctx context.Context, digest []byte, clientID string) (bool, error)
	// RevokeRefreshToken flips revoked on a refresh token owned by clientID.
	RevokeRefreshToken(ctx context.Context, digest []byte, clientID string) (bool, error)
	// RevokeAllByUserClient revokes every refresh token and deletes every
	// access token for the (user, client) pair.
	RevokeAllByUserClient(ctx context.Context, userID uuid.UUID, clientID string) error
	DeleteExpired(ctx context.Context) error
}

// ConsentRepository defines operations for the consent ledger.
type ConsentRepository interface {
	// Grant upserts the (user, client) grant, unioning scopes. Repeating a
	// grant is a no-op.
	Grant(ctx context.Context, grant *domain.ConsentGrant) error
	Get(ctx context.Context, userID uuid.UUID, clientID string) (*domain.ConsentGrant, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.ConsentGrant, error)
	// Revoke removes the grant and cascades: access tokens for the pair are
	// deleted and refresh tokens revoked, atomically.
	Revoke(ctx context.Context, userID uuid.UUID, clientID string) error
}

// PasswordRepository stores Argon2id password hashes keyed by user.
type PasswordRepository interface {
	// Get returns the stored PHC hash string; not_found when the user has
	// no password row.
	Get(ctx context.Context, userID uuid.UUID) (string, error)
	Upsert(ctx context.Context, userID uuid.UUID, hash string) error
}

// ResetTokenRepository defines operations for password reset tokens.
type ResetTokenRepository interface {
	// Replace soft-deletes any prior active token for the user and inserts
	// the new one, keeping at most one active token per user.
	Replace(ctx context.Context, token *domain.PasswordResetToken) error
	Get(ctx context.Context, id uuid.UUID) (*domain.PasswordResetToken, error)
	// Redeem holds a row-level lock on the token, checks it is unused and
	// unexpired, upserts the new password hash, and marks the token
	// used and deleted, all in one transaction. Returns the owning user.
	Redeem(ctx context.Context, id uuid.UUID, newHash string) (uuid.UUID, error)
}

// Store aggregates all repositories.
type Store interface {
	Users() UserRepository
	Clients() ClientRepository
	Sessions() SessionRepository
	AuthCodes() AuthCodeRepository
	Tokens() TokenRepository
	Consents() ConsentRepository
	Passwords() PasswordRepository
	ResetTokens() ResetTokenRepository
	Close() error
}
