package oauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/crypto"
	"github.com/learnforge/lms-auth/internal/domain"
	"github.com/learnforge/lms-auth/internal/dpop"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/pkce"
	"github.com/learnforge/lms-auth/internal/store"
)

// ScopeOpenID triggers ID token issuance on the code grant.
const ScopeOpenID = "openid"

// TokenRequest carries a parsed token endpoint request. ClientID and
// ClientSecret are resolved from Basic auth or the form body by the HTTP
// layer before the service sees them.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string

	ClientID     string
	ClientSecret string

	// DPoPProof is the raw DPoP header value, empty when absent.
	// HTTPMethod and HTTPURL identify the request the proof must cover.
	DPoPProof  string
	HTTPMethod string
	HTTPURL    string
}

// TokenResponse is the success payload of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// TokenService implements the token, introspection, and revocation
// endpoints.
type TokenService struct {
	clients    store.ClientRepository
	codes      store.AuthCodeRepository
	tokens     store.TokenRepository
	digester   *crypto.Digester
	idTokens   *crypto.IDTokenIssuer
	dpop       *dpop.Verifier
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

// NewTokenService creates a TokenService.
func NewTokenService(clients store.ClientRepository, codes store.AuthCodeRepository, tokens store.TokenRepository, digester *crypto.Digester, idTokens *crypto.IDTokenIssuer, dpopVerifier *dpop.Verifier, accessTTL, refreshTTL time.Duration, logger *slog.Logger) *TokenService {
	return &TokenService{
		clients:    clients,
		codes:      codes,
		tokens:     tokens,
		digester:   digester,
		idTokens:   idTokens,
		dpop:       dpopVerifier,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// Exchange handles a token endpoint request end to end.
func (s *TokenService) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	binding, err := s.resolveBinding(client, req)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case "authorization_code":
		return s.exchangeCode(ctx, client, req, binding)
	case "refresh_token":
		return s.rotateRefresh(ctx, client, req, binding)
	case "":
		return nil, autherrors.InvalidRequest("grant_type is required")
	default:
		return nil, autherrors.New(autherrors.CodeUnsupportedGrantType, "unsupported grant_type: "+req.GrantType)
	}
}

// authenticateClient resolves and, for confidential clients, authenticates
// the requesting client. Unknown clients and bad secrets are
// indistinguishable to the caller.
func (s *TokenService) authenticateClient(ctx context.Context, clientID, clientSecret string) (*domain.Client, error) {
	failed := autherrors.InvalidClient("client authentication failed")

	if clientID == "" {
		return nil, failed
	}
	client, err := s.clients.GetByClientID(ctx, clientID)
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeNotFound) {
			return nil, failed
		}
		return nil, err
	}

	if client.IsConfidential() {
		if clientSecret == "" || !s.digester.Equal(clientSecret, client.SecretDigest) {
			s.logger.Warn("client authentication failed", "client_id", clientID)
			return nil, failed
		}
	} else if clientSecret != "" {
		return nil, failed
	}

	return client, nil
}

// tokenBinding is the sender-constraint outcome for a token request.
type tokenBinding struct {
	tokenType domain.TokenType
	jkt       string
}

// resolveBinding verifies the DPoP proof when present and decides the token
// type. Clients with bearer disabled must present a proof.
func (s *TokenService) resolveBinding(client *domain.Client, req *TokenRequest) (*tokenBinding, error) {
	if req.DPoPProof == "" {
		if !client.BearerAllowed {
			return nil, autherrors.InvalidClient("DPoP proof is required for this client")
		}
		return &tokenBinding{tokenType: domain.TokenTypeBearer}, nil
	}

	jkt, err := s.dpop.Verify(req.DPoPProof, req.HTTPMethod, req.HTTPURL, "", false)
	if err != nil {
		s.logger.Warn("rejected DPoP proof at token endpoint",
			"client_id", client.ClientID, "error", err)
		return nil, err
	}
	return &tokenBinding{tokenType: domain.TokenTypeDPoP, jkt: jkt}, nil
}

func (s *TokenService) exchangeCode(ctx context.Context, client *domain.Client, req *TokenRequest, binding *tokenBinding) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, autherrors.InvalidRequest("code is required")
	}
	if req.RedirectURI == "" {
		return nil, autherrors.InvalidRequest("redirect_uri is required")
	}

	code, err := s.codes.Consume(ctx, s.digester.Sum(req.Code), client.ClientID)
	if err != nil {
		return nil, err
	}

	if req.RedirectURI != code.RedirectURI {
		return nil, autherrors.InvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := s.verifyPKCE(client, code, req.CodeVerifier); err != nil {
		return nil, err
	}

	access, rawAccess, err := s.mintAccess(client, &code.UserID, code.Scopes, binding)
	if err != nil {
		return nil, err
	}
	refresh, rawRefresh, err := s.mintRefresh(client, code.UserID, code.Scopes, binding, code.AuthTime)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.IssuePair(ctx, access, refresh); err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken:  rawAccess,
		TokenType:    string(binding.tokenType),
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: rawRefresh,
		Scope:        domain.JoinScopes(code.Scopes),
	}

	if domain.HasScope(code.Scopes, ScopeOpenID) {
		idToken, err := s.idTokens.Issue(code.UserID.String(), client.ClientID, code.AuthTime, code.Nonce, access.ExpiresAt)
		if err != nil {
			return nil, autherrors.Internal("failed to sign id token", err)
		}
		resp.IDToken = idToken
	}

	s.logger.Info("tokens issued via authorization code",
		"client_id", client.ClientID, "user_id", code.UserID,
		"token_type", binding.tokenType)
	return resp, nil
}

// verifyPKCE enforces the challenge captured at /authorize against the
// verifier presented now.
func (s *TokenService) verifyPKCE(client *domain.Client, code *domain.AuthCode, verifier string) error {
	if code.CodeChallenge == "" {
		if code.CodeChallengeMethod != "" {
			return autherrors.Internal("authorization code has a method without a challenge", nil)
		}
		if verifier != "" {
			return autherrors.InvalidRequest("code_verifier provided but no code_challenge was recorded")
		}
		if client.RequiresPKCE() {
			// Code minted before the client's PKCE policy tightened.
			return autherrors.InvalidRequest("code_verifier is required for this client")
		}
		return nil
	}

	if code.CodeChallengeMethod == "" {
		return autherrors.Internal("authorization code has a challenge without a method", nil)
	}
	if verifier == "" {
		return autherrors.InvalidRequest("code_verifier is required")
	}
	if !pkce.Verify(code.CodeChallenge, code.CodeChallengeMethod, verifier) {
		s.logger.Warn("PKCE verification failed", "client_id", client.ClientID)
		return autherrors.InvalidGrant("PKCE verification failed")
	}
	return nil
}

func (s *TokenService) rotateRefresh(ctx context.Context, client *domain.Client, req *TokenRequest, binding *tokenBinding) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, autherrors.InvalidRequest("refresh_token is required")
	}

	requested := domain.SplitScopes(req.Scope)

	var (
		rawAccess  string
		rawRefresh string
		scopes     []string
	)
	_, err := s.tokens.RotateRefresh(ctx, s.digester.Sum(req.RefreshToken), client.ClientID,
		func(old *domain.RefreshToken) (*domain.AccessToken, *domain.RefreshToken, error) {
			if err := checkRefreshBinding(old, binding); err != nil {
				return nil, nil, err
			}

			scopes = old.Scopes
			if len(requested) > 0 {
				// Narrowing only.
				for _, scope := range requested {
					if !domain.HasScope(old.Scopes, scope) {
						return nil, nil, autherrors.New(autherrors.CodeInvalidScope, "scope exceeds the original grant: "+scope)
					}
				}
				scopes = requested
			}

			access, raw, err := s.mintAccess(client, &old.UserID, scopes, binding)
			if err != nil {
				return nil, nil, err
			}
			refresh, rawR, err := s.mintRefresh(client, old.UserID, old.Scopes, binding, old.AuthTime)
			if err != nil {
				return nil, nil, err
			}
			// The replacement expires when the original family would have.
			refresh.ExpiresAt = old.ExpiresAt

			rawAccess, rawRefresh = raw, rawR
			return access, refresh, nil
		})
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeInvalidGrant) {
			s.logger.Warn("refresh token rejected", "client_id", client.ClientID, "error", err)
		}
		return nil, err
	}

	s.logger.Info("tokens rotated via refresh token",
		"client_id", client.ClientID, "token_type", binding.tokenType)
	return &TokenResponse{
		AccessToken:  rawAccess,
		TokenType:    string(binding.tokenType),
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: rawRefresh,
		Scope:        domain.JoinScopes(scopes),
	}, nil
}

// checkRefreshBinding enforces the sender constraint across rotations. A
// bound family stays bound to the same key; an unbound family may not be
// bound retroactively.
func checkRefreshBinding(old *domain.RefreshToken, binding *tokenBinding) error {
	if old.DPoPJKT == "" {
		if binding.tokenType == domain.TokenTypeDPoP {
			return autherrors.InvalidClient("refresh token is not DPoP-bound")
		}
		return nil
	}
	if binding.tokenType != domain.TokenTypeDPoP {
		return autherrors.InvalidClient("DPoP proof is required for this refresh token")
	}
	if binding.jkt != old.DPoPJKT {
		return autherrors.InvalidClient("DPoP key does not match the refresh token binding")
	}
	return nil
}

func (s *TokenService) mintAccess(client *domain.Client, userID *uuid.UUID, scopes []string, binding *tokenBinding) (*domain.AccessToken, string, error) {
	raw, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, "", autherrors.Internal("failed to mint access token", err)
	}
	now := time.Now()
	return &domain.AccessToken{
		Digest:    s.digester.Sum(raw),
		ClientID:  client.ClientID,
		UserID:    userID,
		Scopes:    scopes,
		Audience:  client.ClientID,
		TokenType: binding.tokenType,
		JTI:       uuid.NewString(),
		DPoPJKT:   binding.jkt,
		CreatedAt: now,
		ExpiresAt: now.Add(s.accessTTL),
	}, raw, nil
}

func (s *TokenService) mintRefresh(client *domain.Client, userID uuid.UUID, scopes []string, binding *tokenBinding, authTime time.Time) (*domain.RefreshToken, string, error) {
	raw, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, "", autherrors.Internal("failed to mint refresh token", err)
	}
	now := time.Now()
	return &domain.RefreshToken{
		Digest:    s.digester.Sum(raw),
		ClientID:  client.ClientID,
		UserID:    userID,
		Scopes:    scopes,
		Audience:  client.ClientID,
		JTI:       uuid.NewString(),
		DPoPJKT:   binding.jkt,
		AuthTime:  authTime,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}, raw, nil
}
