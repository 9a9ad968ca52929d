// Package oauth implements the authorization server core: authorization
// code issuance, token exchange with rotation, introspection, revocation,
// and userinfo.
package oauth

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/learnforge/lms-auth/internal/crypto"
	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/pkce"
	"github.com/learnforge/lms-auth/internal/store"
)

// AuthorizeRequest carries the parsed query parameters of a request to the
// authorization endpoint.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeService validates authorization requests and mints codes.
type AuthorizeService struct {
	clients  store.ClientRepository
	codes    store.AuthCodeRepository
	consents store.ConsentRepository
	digester *crypto.Digester
	codeTTL  time.Duration
	logger   *slog.Logger
}

// NewAuthorizeService creates an AuthorizeService.
func NewAuthorizeService(clients store.ClientRepository, codes store.AuthCodeRepository, consents store.ConsentRepository, digester *crypto.Digester, codeTTL time.Duration, logger *slog.Logger) *AuthorizeService {
	return &AuthorizeService{
		clients:  clients,
		codes:    codes,
		consents: consents,
		digester: digester,
		codeTTL:  codeTTL,
		logger:   logger,
	}
}

// ParseAuthorizeRequest extracts the authorization parameters from the query.
func ParseAuthorizeRequest(query url.Values) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scopes:              domain.SplitScopes(query.Get("scope")),
		State:               query.Get("state"),
		Nonce:               query.Get("nonce"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	}
}

// ResolveClient validates the response type, scope presence, client_id, and
// redirect_uri. Errors from this phase must never be redirected: the redirect
// target is not yet trusted, so the caller renders them directly.
func (s *AuthorizeService) ResolveClient(ctx context.Context, req *AuthorizeRequest) (*domain.Client, error) {
	if req.ResponseType != "code" {
		return nil, autherrors.New(autherrors.CodeUnsupportedResponseType, "only the code response type is supported")
	}
	if len(req.Scopes) == 0 {
		return nil, autherrors.InvalidRequest("scope is required")
	}
	if req.ClientID == "" {
		return nil, autherrors.InvalidRequest("client_id is required")
	}
	if req.RedirectURI == "" {
		return nil, autherrors.InvalidRequest("redirect_uri is required")
	}

	client, err := s.clients.GetByClientID(ctx, req.ClientID)
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeNotFound) {
			return nil, autherrors.InvalidRequest("unknown client")
		}
		return nil, err
	}

	// Exact string match only. No prefix, wildcard, or port laxity.
	if !client.AllowsRedirectURI(req.RedirectURI) {
		s.logger.Warn("authorization request with unregistered redirect_uri",
			"client_id", req.ClientID, "redirect_uri", req.RedirectURI)
		return nil, autherrors.InvalidRequest("redirect_uri is not registered for this client")
	}

	return client, nil
}

// ValidateRequest checks everything beyond the redirect target. Errors from
// this phase are safe to deliver via redirect.
func (s *AuthorizeService) ValidateRequest(client *domain.Client, req *AuthorizeRequest) error {
	for _, scope := range req.Scopes {
		if !client.AllowsScope(scope) {
			return autherrors.New(autherrors.CodeInvalidScope, "scope not allowed for this client: "+scope)
		}
	}

	return s.validatePKCE(client, req)
}

func (s *AuthorizeService) validatePKCE(client *domain.Client, req *AuthorizeRequest) error {
	if req.CodeChallenge == "" && req.CodeChallengeMethod == "" {
		if client.RequiresPKCE() {
			return autherrors.InvalidRequest("code_challenge is required for this client")
		}
		return nil
	}

	// Both parameters or neither.
	if req.CodeChallenge == "" || req.CodeChallengeMethod == "" {
		return autherrors.InvalidRequest("code_challenge and code_challenge_method must be supplied together")
	}

	if !client.AllowsPKCEMethod(req.CodeChallengeMethod) {
		return autherrors.InvalidRequest("code_challenge_method not allowed for this client")
	}

	if err := pkce.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return autherrors.InvalidRequest("malformed code_challenge")
	}

	return nil
}

// NeedsConsent reports whether the user must be shown the consent prompt
// for the requested scopes.
func (s *AuthorizeService) NeedsConsent(ctx context.Context, user *domain.User, client *domain.Client, scopes []string) (bool, error) {
	grant, err := s.consents.Get(ctx, user.ID, client.ClientID)
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeNotFound) {
			return true, nil
		}
		return false, err
	}
	return !grant.Covers(scopes), nil
}

// IssueCode mints an opaque single-use code bound to the full request
// context and persists its digest.
func (s *AuthorizeService) IssueCode(ctx context.Context, client *domain.Client, user *domain.User, req *AuthorizeRequest, authTime time.Time) (string, error) {
	code, err := crypto.NewOpaqueToken()
	if err != nil {
		return "", autherrors.Internal("failed to mint authorization code", err)
	}

	now := time.Now()
	record := &domain.AuthCode{
		Digest:              s.digester.Sum(code),
		ClientID:            client.ClientID,
		UserID:              user.ID,
		Scopes:              req.Scopes,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            authTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.codeTTL),
	}
	if err := s.codes.Create(ctx, record); err != nil {
		return "", err
	}

	s.logger.Info("authorization code issued",
		"client_id", client.ClientID, "user_id", user.ID,
		"scopes", domain.JoinScopes(req.Scopes))
	return code, nil
}

// SuccessRedirect builds the redirect URL delivering the code. State is
// echoed verbatim when present.
func SuccessRedirect(redirectURI, code, state string) (string, error) {
	return appendQuery(redirectURI, map[string]string{
		"code":  code,
		"state": state,
	})
}

// ErrorRedirect builds the redirect URL delivering an error. Only the
// structured code and message go on the wire.
func ErrorRedirect(redirectURI string, err error, state string) (string, error) {
	return appendQuery(redirectURI, map[string]string{
		"error":             autherrors.CodeOf(err),
		"error_description": autherrors.MessageOf(err),
		"state":             state,
	})
}

func appendQuery(redirectURI string, params map[string]string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", autherrors.InvalidRequest("malformed redirect_uri")
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
