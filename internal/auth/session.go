// Package auth manages browser sessions, CSRF protection, and the consent
// ledger for the interactive endpoints.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/learnforge/lms-auth/internal/crypto"
	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/store"
)

// SessionCookieName is the browser session cookie.
const SessionCookieName = "auth_session"

// SessionManager creates and resolves browser sessions.
type SessionManager struct {
	sessions store.SessionRepository
	duration time.Duration
	secure   bool
	domain   string
	logger   *slog.Logger
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(sessions store.SessionRepository, duration time.Duration, secure bool, cookieDomain string, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		duration: duration,
		secure:   secure,
		domain:   cookieDomain,
		logger:   logger,
	}
}

// Start creates a session for the user and sets the cookie. AuthTime records
// the moment credentials were presented and flows into ID tokens.
func (m *SessionManager) Start(ctx context.Context, w http.ResponseWriter, r *http.Request, user *domain.User) (*domain.Session, error) {
	id, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, autherrors.Internal("failed to mint session id", err)
	}

	now := time.Now()
	session := &domain.Session{
		ID:        id,
		UserID:    user.ID,
		AuthTime:  now,
		CreatedAt: now,
		ExpiresAt: now.Add(m.duration),
		UserAgent: r.UserAgent(),
		IPAddress: r.RemoteAddr,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	http.SetCookie(w, m.cookie(id, int(m.duration.Seconds())))
	m.logger.Info("session started", "user_id", user.ID)
	return session, nil
}

// Resolve returns the live session for the request, or a session_expired
// error when the cookie is absent, unknown, or stale.
func (m *SessionManager) Resolve(ctx context.Context, r *http.Request) (*domain.Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, autherrors.New(autherrors.CodeSessionExpired, "no active session")
	}

	session, err := m.sessions.GetByID(ctx, cookie.Value)
	if err != nil {
		if autherrors.IsCode(err, autherrors.CodeNotFound) {
			return nil, autherrors.New(autherrors.CodeSessionExpired, "no active session")
		}
		return nil, err
	}
	if session.IsExpired() {
		// Lazy cleanup; the background sweeper handles the rest.
		_ = m.sessions.Delete(ctx, session.ID)
		return nil, autherrors.New(autherrors.CodeSessionExpired, "session expired")
	}
	return session, nil
}

// Destroy deletes the session and clears the cookie.
func (m *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	cookie, err := r.Cookie(SessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := m.sessions.Delete(ctx, cookie.Value); err != nil {
			return err
		}
	}
	http.SetCookie(w, m.cookie("", -1))
	return nil
}

func (m *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   m.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
