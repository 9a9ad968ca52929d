// Package domain defines the core types for the authorization server.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PKCE code challenge methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// TokenType distinguishes bearer tokens from DPoP sender-constrained tokens.
type TokenType string

const (
	TokenTypeBearer TokenType = "Bearer"
	TokenTypeDPoP   TokenType = "DPoP"
)

// User represents an identity in the system.
type User struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	GivenName  string    `json:"given_name,omitempty"`
	FamilyName string    `json:"family_name,omitempty"`
	// UpstreamID identifies the account in the external identity system
	// this user was migrated from, if any.
	UpstreamID *int64    `json:"upstream_id,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Client represents an OAuth 2.0 / OIDC client application.
type Client struct {
	ID       uuid.UUID `json:"id"`
	ClientID string    `json:"client_id"`
	Name     string    `json:"name"`
	// SecretDigest is the keyed digest of the client secret.
	// Empty for public clients.
	SecretDigest []byte   `json:"secret_digest,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	// PKCEMethods is the subset of {S256, plain} the client may use.
	PKCEMethods   []string  `json:"pkce_methods"`
	PKCERequired  bool      `json:"pkce_required"`
	BearerAllowed bool      `json:"bearer_allowed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsConfidential reports whether the client holds a secret.
func (c *Client) IsConfidential() bool {
	return len(c.SecretDigest) > 0
}

// RequiresPKCE reports whether the client must use PKCE.
// Public clients always require PKCE.
func (c *Client) RequiresPKCE() bool {
	return c.PKCERequired || !c.IsConfidential()
}

// AllowsPKCEMethod reports whether the given challenge method is allowed.
func (c *Client) AllowsPKCEMethod(method string) bool {
	for _, m := range c.PKCEMethods {
		if m == method {
			return true
		}
	}
	return false
}

// AllowsRedirectURI reports whether uri exactly matches an allowed redirect URI.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the scope is on the client's allow-list.
func (c *Client) AllowsScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Session represents an authenticated end-user session.
type Session struct {
	ID     string    `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	// AuthTime is when the user last presented credentials; it flows into
	// the auth_time claim of ID tokens minted under this session.
	AuthTime  time.Time `json:"auth_time"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserAgent string    `json:"user_agent,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
}

// IsExpired checks if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// AuthCode represents a persisted authorization code. Only the keyed digest
// of the opaque code is stored; the raw code exists solely in the redirect.
type AuthCode struct {
	Digest              []byte    `json:"digest"`
	ClientID            string    `json:"client_id"`
	UserID              uuid.UUID `json:"user_id"`
	Scopes              []string  `json:"scopes"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// IsExpired checks if the authorization code has expired.
func (a *AuthCode) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// AccessToken represents a persisted opaque access token, stored by digest.
type AccessToken struct {
	Digest    []byte     `json:"digest"`
	ClientID  string     `json:"client_id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Scopes    []string   `json:"scopes"`
	Audience  string     `json:"audience,omitempty"`
	TokenType TokenType  `json:"token_type"`
	JTI       string     `json:"jti"`
	// DPoPJKT is the JWK thumbprint the token is bound to.
	// Set iff TokenType is DPoP.
	DPoPJKT   string    `json:"dpop_jkt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired checks if the access token has expired.
func (t *AccessToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// RefreshToken represents a persisted refresh token, stored by digest.
type RefreshToken struct {
	Digest   []byte    `json:"digest"`
	ClientID string    `json:"client_id"`
	UserID   uuid.UUID `json:"user_id"`
	Scopes   []string  `json:"scopes"`
	Audience string    `json:"audience,omitempty"`
	JTI      string    `json:"jti"`
	DPoPJKT  string    `json:"dpop_jkt,omitempty"`
	// RotatedFrom is the digest of the refresh token this one replaced.
	// The transitive closure over RotatedFrom is the rotation family.
	RotatedFrom []byte    `json:"rotated_from,omitempty"`
	Revoked     bool      `json:"revoked"`
	AuthTime    time.Time `json:"auth_time"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IsExpired checks if the refresh token has expired.
func (t *RefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsValid checks if the token is usable (not expired and not revoked).
func (t *RefreshToken) IsValid() bool {
	return !t.IsExpired() && !t.Revoked
}

// ConsentGrant records the scopes a user has approved for a client.
type ConsentGrant struct {
	UserID    uuid.UUID `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
}

// Covers reports whether every requested scope is already granted.
func (g *ConsentGrant) Covers(scopes []string) bool {
	for _, want := range scopes {
		if !HasScope(g.Scopes, want) {
			return false
		}
	}
	return true
}

// PasswordResetToken is a single-use token for the password reset flow.
type PasswordResetToken struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsActive reports whether the token can still be redeemed.
func (t *PasswordResetToken) IsActive() bool {
	return t.UsedAt == nil && t.DeletedAt == nil && time.Now().Before(t.ExpiresAt)
}

// SplitScopes parses a space-separated scope parameter into a slice.
func SplitScopes(scope string) []string {
	return strings.Fields(scope)
}

// JoinScopes renders a scope slice as the wire-format space-separated string.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasScope reports whether the scope list contains the given scope.
func HasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
