package http

import (
	"net/http"
	"net/url"

	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/oauth"
)

type consentPage struct {
	Title      string
	Error      string
	Action     string
	CSRFToken  string
	ClientID   string
	ClientName string
	Scope      string
	Scopes     []string
	ReturnTo   string
}

func (s *Server) handleConsentForm(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Resolve(r.Context(), r)
	if err != nil {
		s.redirectToLogin(w, r)
		return
	}

	q := r.URL.Query()
	scope := q.Get("scope")
	renderPage(w, s.logger, http.StatusOK, "consent", consentPage{
		Title:      "Authorize application",
		Action:     s.cfg.BasePath + "/consent",
		CSRFToken:  s.csrf.Token(session.ID),
		ClientID:   q.Get("client_id"),
		ClientName: q.Get("client_name"),
		Scope:      scope,
		Scopes:     domain.SplitScopes(scope),
		ReturnTo:   q.Get("return_to"),
	})
}

func (s *Server) handleConsentDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := s.sessions.Resolve(ctx, r)
	if err != nil {
		s.redirectToLogin(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("malformed form submission"))
		return
	}
	if !s.csrf.Verify(session.ID, r.PostForm.Get("csrf_token")) {
		writeOAuthError(w, s.logger, autherrors.New(autherrors.CodeForbidden, "invalid csrf token"))
		return
	}

	clientID := r.PostForm.Get("client_id")
	scopes := domain.SplitScopes(r.PostForm.Get("scope"))
	returnTo, ok := safeReturnTo(r.PostForm.Get("return_to"))
	if !ok || clientID == "" || len(scopes) == 0 {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("missing consent parameters"))
		return
	}

	if r.PostForm.Get("decision") != "approve" {
		s.metrics.ConsentDecisions.WithLabelValues("denied").Inc()
		s.denyAuthorization(w, r, returnTo)
		return
	}

	if err := s.consent.Grant(ctx, session.UserID, clientID, scopes); err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	s.metrics.ConsentDecisions.WithLabelValues("approved").Inc()
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// denyAuthorization delivers access_denied to the client the pending
// authorize request named, falling back to the login page when the request
// cannot be reconstructed.
func (s *Server) denyAuthorization(w http.ResponseWriter, r *http.Request, returnTo string) {
	u, err := url.Parse(returnTo)
	if err != nil {
		http.Redirect(w, r, s.cfg.BasePath+"/login", http.StatusFound)
		return
	}
	req := oauth.ParseAuthorizeRequest(u.Query())

	if _, err := s.authorize.ResolveClient(r.Context(), req); err != nil {
		http.Redirect(w, r, s.cfg.BasePath+"/login", http.StatusFound)
		return
	}

	denied := autherrors.New("access_denied", "the user denied the request")
	target, err := oauth.ErrorRedirect(req.RedirectURI, denied, req.State)
	if err != nil {
		writeOAuthError(w, s.logger, denied)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleConsentList(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Resolve(r.Context(), r)
	if err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}

	grants, err := s.consent.List(r.Context(), session.UserID)
	if err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	if grants == nil {
		grants = []*domain.ConsentGrant{}
	}
	writeJSON(w, http.StatusOK, grants)
}

func (s *Server) handleConsentRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := s.sessions.Resolve(ctx, r)
	if err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("malformed form submission"))
		return
	}
	if !s.csrf.Verify(session.ID, r.PostForm.Get("csrf_token")) {
		writeOAuthError(w, s.logger, autherrors.New(autherrors.CodeForbidden, "invalid csrf token"))
		return
	}

	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("client_id is required"))
		return
	}

	if err := s.consent.Revoke(ctx, session.UserID, clientID); err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
