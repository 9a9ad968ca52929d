package oauth

import (
	"context"
	"log/slog"

	"github.com/learnforge/lms-auth/internal/crypto"
	"github.com/learnforge/lms-auth/internal/domain"
	"github.com/learnforge/lms-auth/internal/dpop"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/store"
)

// Authorization schemes accepted at the userinfo endpoint.
const (
	SchemeBearer = "Bearer"
	SchemeDPoP   = "DPoP"
)

// UserinfoRequest carries the credentials presented to the userinfo
// endpoint.
type UserinfoRequest struct {
	// Scheme is the Authorization scheme, Bearer or DPoP.
	Scheme      string
	AccessToken string

	DPoPProof  string
	HTTPMethod string
	HTTPURL    string
}

// UserinfoResponse holds the scope-gated claims.
type UserinfoResponse struct {
	Sub       string `json:"sub"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// UserinfoService resolves access tokens to user claims.
type UserinfoService struct {
	tokens   store.TokenRepository
	users    store.UserRepository
	clients  store.ClientRepository
	digester *crypto.Digester
	dpop     *dpop.Verifier
	logger   *slog.Logger
}

// NewUserinfoService creates a UserinfoService.
func NewUserinfoService(tokens store.TokenRepository, users store.UserRepository, clients store.ClientRepository, digester *crypto.Digester, dpopVerifier *dpop.Verifier, logger *slog.Logger) *UserinfoService {
	return &UserinfoService{
		tokens:   tokens,
		users:    users,
		clients:  clients,
		digester: digester,
		dpop:     dpopVerifier,
		logger:   logger,
	}
}

// Resolve validates the presented token under its scheme and returns the
// claims permitted by the token's scopes.
func (s *UserinfoService) Resolve(ctx context.Context, req *UserinfoRequest) (*UserinfoResponse, error) {
	access, err := s.tokens.GetAccessToken(ctx, s.digester.Sum(req.AccessToken))
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeNotFound) {
			return nil, autherrors.InvalidToken("invalid or expired access token")
		}
		return nil, err
	}
	if access.IsExpired() || access.UserID == nil {
		return nil, autherrors.InvalidToken("invalid or expired access token")
	}

	if err := s.checkScheme(ctx, req, access); err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, *access.UserID)
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeNotFound) {
			return nil, autherrors.InvalidToken("invalid or expired access token")
		}
		return nil, err
	}
	if !user.Active {
		return nil, autherrors.InvalidToken("invalid or expired access token")
	}

	resp := &UserinfoResponse{Sub: user.ID.String()}
	if domain.HasScope(access.Scopes, "profile") {
		resp.FirstName = user.GivenName
		resp.LastName = user.FamilyName
	}
	if domain.HasScope(access.Scopes, "email") {
		resp.Email = user.Email
	}
	return resp, nil
}

func (s *UserinfoService) checkScheme(ctx context.Context, req *UserinfoRequest, access *domain.AccessToken) error {
	switch req.Scheme {
	case SchemeBearer:
		if access.TokenType != domain.TokenTypeBearer {
			return autherrors.InvalidToken("DPoP-bound token must use the DPoP scheme")
		}
		client, err := s.clients.GetByClientID(ctx, access.ClientID)
		if err != nil {
			return err
		}
		if !client.BearerAllowed {
			return autherrors.InvalidToken("bearer tokens are not allowed for this client")
		}
		return nil

	case SchemeDPoP:
		if access.TokenType != domain.TokenTypeDPoP || access.DPoPJKT == "" {
			return autherrors.InvalidToken("bearer token must use Bearer scheme")
		}
		if req.DPoPProof == "" {
			return autherrors.InvalidToken("DPoP proof is required")
		}
		jkt, err := s.dpop.Verify(req.DPoPProof, req.HTTPMethod, req.HTTPURL, req.AccessToken, false)
		if err != nil {
			s.logger.Warn("rejected DPoP proof at userinfo", "client_id", access.ClientID, "error", err)
			return err
		}
		if jkt != access.DPoPJKT {
			s.logger.Warn("DPoP thumbprint mismatch at userinfo", "client_id", access.ClientID)
			return autherrors.InvalidToken("DPoP key does not match the token binding")
		}
		return nil

	default:
		return autherrors.InvalidToken("unsupported authorization scheme")
	}
}
