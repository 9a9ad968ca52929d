package http

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/learnforge/lms-auth/internal/domain"
	"github.com/learnforge/lms-auth/internal/dpop"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/oauth"
)

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := oauth.ParseAuthorizeRequest(r.URL.Query())

	client, err := s.authorize.ResolveClient(ctx, req)
	if err != nil {
		// The redirect target is untrusted here; render the error directly.
		writeOAuthError(w, s.logger, err)
		return
	}

	if err := s.authorize.ValidateRequest(client, req); err != nil {
		s.redirectError(w, r, req, err)
		return
	}

	session, err := s.sessions.Resolve(ctx, r)
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeSessionExpired) {
			s.redirectToLogin(w, r)
			return
		}
		writeOAuthError(w, s.logger, err)
		return
	}

	user, err := s.store.Users().GetByID(ctx, session.UserID)
	if err != nil || !user.Active {
		s.redirectToLogin(w, r)
		return
	}

	needed, err := s.authorize.NeedsConsent(ctx, user, client, req.Scopes)
	if err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	if needed {
		s.redirectToConsent(w, r, client, req)
		return
	}

	code, err := s.authorize.IssueCode(ctx, client, user, req, session.AuthTime)
	if err != nil {
		s.redirectError(w, r, req, err)
		return
	}

	target, err := oauth.SuccessRedirect(req.RedirectURI, code, req.State)
	if err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, req *oauth.AuthorizeRequest, cause error) {
	target, err := oauth.ErrorRedirect(req.RedirectURI, cause, req.State)
	if err != nil {
		writeOAuthError(w, s.logger, cause)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := s.cfg.BasePath + "/login?return_to=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) redirectToConsent(w http.ResponseWriter, r *http.Request, client *domain.Client, req *oauth.AuthorizeRequest) {
	q := url.Values{}
	q.Set("client_id", client.ClientID)
	q.Set("client_name", client.Name)
	q.Set("scope", domain.JoinScopes(req.Scopes))
	q.Set("return_to", r.URL.RequestURI())
	http.Redirect(w, r, s.cfg.BasePath+"/consent?"+q.Encode(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("malformed form body"))
		return
	}

	req := &oauth.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
		DPoPProof:    r.Header.Get(dpop.HeaderName),
		HTTPMethod:   http.MethodPost,
		HTTPURL:      s.endpointURL("/token"),
	}
	req.ClientID, req.ClientSecret = clientCredentials(r)

	if req.DPoPProof != "" {
		// Advertise the current nonce so clients can pre-bind proofs.
		w.Header().Set("DPoP-Nonce", s.nonces.Current())
	}

	resp, err := s.tokens.Exchange(r.Context(), req)
	if err != nil {
		code := autherrors.CodeOf(err)
		s.metrics.GrantFailures.WithLabelValues(code).Inc()
		if isReplay(err) {
			s.metrics.ReplaysDetected.Inc()
			s.logger.Warn("refresh token replay detected", "client_id", req.ClientID)
		}
		if code == autherrors.CodeInvalidToken {
			s.metrics.DPoPProofErrors.Inc()
		}
		writeOAuthError(w, s.logger, err)
		return
	}

	s.metrics.TokensIssued.WithLabelValues(req.GrantType, resp.TokenType).Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("malformed form body"))
		return
	}
	clientID, clientSecret := clientCredentials(r)

	resp, err := s.tokens.Introspect(r.Context(), clientID, clientSecret, r.PostForm.Get("token"))
	if err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("malformed form body"))
		return
	}
	clientID, clientSecret := clientCredentials(r)

	err := s.tokens.Revoke(r.Context(), clientID, clientSecret,
		r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	if err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	scheme, token, ok := parseAuthorization(r.Header.Get("Authorization"))
	if !ok {
		writeOAuthError(w, s.logger, autherrors.InvalidToken("missing or malformed Authorization header"))
		return
	}

	resp, err := s.userinfo.Resolve(r.Context(), &oauth.UserinfoRequest{
		Scheme:      scheme,
		AccessToken: token,
		DPoPProof:   r.Header.Get(dpop.HeaderName),
		HTTPMethod:  http.MethodGet,
		HTTPURL:     s.endpointURL("/userinfo"),
	})
	if err != nil {
		if scheme == oauth.SchemeDPoP && autherrors.CodeOf(err) == autherrors.CodeInvalidToken {
			s.metrics.DPoPProofErrors.Inc()
		}
		writeOAuthError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// clientCredentials resolves the client from Basic auth first, then the
// form body.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func parseAuthorization(header string) (scheme, token string, ok bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}
