package oauth

import (
	"context"

	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
)

// IntrospectionResponse is the RFC 7662 payload. Inactive responses carry
// only active=false regardless of why the token is unusable.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Jti       string `json:"jti,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	JKT       string `json:"jkt,omitempty"`
}

var inactive = &IntrospectionResponse{Active: false}

// Introspect resolves an access token for an authenticated client. Only
// access tokens are introspectable; anything else is simply inactive.
func (s *TokenService) Introspect(ctx context.Context, clientID, clientSecret, token string) (*IntrospectionResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	if token == "" {
		return inactive, nil
	}

	access, err := s.tokens.GetAccessToken(ctx, s.digester.Sum(token))
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeNotFound) {
			return inactive, nil
		}
		return nil, err
	}
	if access.IsExpired() {
		return inactive, nil
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     domain.JoinScopes(access.Scopes),
		ClientID:  access.ClientID,
		TokenType: string(access.TokenType),
		Exp:       access.ExpiresAt.Unix(),
		Iat:       access.CreatedAt.Unix(),
		Jti:       access.JTI,
		Aud:       access.Audience,
		Iss:       s.idTokens.Issuer(),
		JKT:       access.DPoPJKT,
	}
	if access.UserID != nil {
		// No separate username exists; the stringified subject stands in.
		resp.Sub = access.UserID.String()
		resp.Username = resp.Sub
	}

	s.logger.Debug("token introspected", "caller", client.ClientID, "active", true)
	return resp, nil
}
