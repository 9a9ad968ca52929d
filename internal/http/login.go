package http

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/credential"
	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
)

type loginPage struct {
	Title     string
	Error     string
	Action    string
	ReturnTo  string
	ResetPath string
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.renderLogin(w, http.StatusOK, "", r.URL.Query().Get("return_to"))
}

func (s *Server) renderLogin(w http.ResponseWriter, status int, errMsg, returnTo string) {
	renderPage(w, s.logger, status, "login", loginPage{
		Title:     "Sign in",
		Error:     errMsg,
		Action:    s.cfg.BasePath + "/login",
		ReturnTo:  returnTo,
		ResetPath: s.cfg.BasePath + "/reset",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.renderLogin(w, http.StatusBadRequest, "malformed form submission", "")
		return
	}

	email := strings.TrimSpace(r.PostForm.Get("email"))
	password := r.PostForm.Get("password")
	returnTo := r.PostForm.Get("return_to")

	user, err := s.authenticate(r, email, password)
	if err != nil {
		s.metrics.LoginAttempts.WithLabelValues("failure").Inc()
		if autherrors.IsCode(err, autherrors.CodeUnauthorized) {
			s.renderLogin(w, http.StatusUnauthorized, "Invalid email or password.", returnTo)
			return
		}
		s.logger.Error("login failed", "error", err)
		s.renderLogin(w, http.StatusInternalServerError, "Something went wrong. Try again.", returnTo)
		return
	}

	if _, err := s.sessions.Start(ctx, w, r, user); err != nil {
		s.logger.Error("failed to start session", "error", err)
		s.renderLogin(w, http.StatusInternalServerError, "Something went wrong. Try again.", returnTo)
		return
	}

	s.metrics.LoginAttempts.WithLabelValues("success").Inc()
	if target, ok := safeReturnTo(returnTo); ok {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	renderPage(w, s.logger, http.StatusOK, "logged_in", loginPage{Title: "Signed in"})
}

// authenticate resolves credentials locally first. When the local account is
// missing and an upstream identity system is configured, the credentials are
// verified there and the account migrated on first login.
func (s *Server) authenticate(r *http.Request, email, password string) (*domain.User, error) {
	ctx := r.Context()

	if s.cfg.TestMode && s.cfg.DevelopmentUUIDLogin {
		if id, err := uuid.Parse(email); err == nil {
			return s.store.Users().GetByID(ctx, id)
		}
	}

	user, err := s.verifier.Authenticate(ctx, email, password)
	if err == nil {
		return user, nil
	}
	if !autherrors.IsCode(err, autherrors.CodeUnauthorized) {
		return nil, err
	}
	if s.upstream == nil || !s.upstream.Enabled() {
		return nil, err
	}
	if _, lookupErr := s.store.Users().GetByEmail(ctx, email); lookupErr == nil {
		// Local account exists, so the upstream cannot override its password.
		return nil, err
	}

	return s.migrateFromUpstream(r, email, password)
}

func (s *Server) migrateFromUpstream(r *http.Request, email, password string) (*domain.User, error) {
	ctx := r.Context()

	upstreamID, err := s.upstream.VerifyCredentials(ctx, email, password)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		ID:         uuid.New(),
		Email:      email,
		UpstreamID: &upstreamID,
		Active:     true,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	hash, err := credential.HashPassword(password)
	if err != nil {
		return nil, autherrors.Internal("failed to hash password", err)
	}
	if err := s.store.Passwords().Upsert(ctx, user.ID, hash); err != nil {
		return nil, err
	}

	s.logger.Info("account migrated from upstream", "user_id", user.ID, "upstream_id", upstreamID)

	// Detached from the request: the migration is committed either way.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		_ = s.upstream.MarkPasswordManaged(ctx, upstreamID)
	}()
	return user, nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r.Context(), w, r); err != nil {
		s.logger.Error("failed to destroy session", "error", err)
	}
	http.Redirect(w, r, s.cfg.BasePath+"/login", http.StatusFound)
}

// safeReturnTo accepts only local absolute paths, rejecting scheme-relative
// and absolute URLs that would make the login form an open redirect.
func safeReturnTo(raw string) (string, bool) {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	return raw, true
}
