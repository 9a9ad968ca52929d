package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/domain"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
)

// The internal API serves the rest of the backend over the shared secret:
// account provisioning, credential checks for non-browser flows, and
// password changes initiated from account settings.

type createUserRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	UpstreamID *int64 `json:"upstream_id,omitempty"`
}

func (s *Server) handleInternalCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("malformed json body"))
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("a valid email is required"))
		return
	}

	if _, err := s.store.Users().GetByEmail(ctx, req.Email); err == nil {
		writeOAuthError(w, s.logger, autherrors.AlreadyExists("user", req.Email))
		return
	} else if !isNotFound(err) {
		writeOAuthError(w, s.logger, err)
		return
	}

	user := &domain.User{
		ID:         uuid.New(),
		Email:      req.Email,
		GivenName:  req.FirstName,
		FamilyName: req.LastName,
		UpstreamID: req.UpstreamID,
		Active:     true,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	if req.Password != "" {
		if err := s.verifier.SetPassword(ctx, user.ID, req.Password); err != nil {
			writeOAuthError(w, s.logger, err)
			return
		}
	}

	s.logger.Info("user created via internal api", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

type authenticateRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleInternalAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("malformed json body"))
		return
	}

	user, err := s.verifier.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type changePasswordRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	OldPassword string    `json:"old_password"`
	NewPassword string    `json:"new_password"`
}

func (s *Server) handleInternalChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, s.logger, autherrors.InvalidRequest("malformed json body"))
		return
	}

	user, err := s.store.Users().GetByID(ctx, req.UserID)
	if err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	if _, err := s.verifier.Authenticate(ctx, user.Email, req.OldPassword); err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}
	if err := s.verifier.SetPassword(ctx, user.ID, req.NewPassword); err != nil {
		writeOAuthError(w, s.logger, err)
		return
	}

	// A password change invalidates every other session of the user.
	if err := s.store.Sessions().DeleteByUserID(ctx, user.ID); err != nil {
		s.logger.Error("failed to terminate sessions after password change", "user_id", user.ID, "error", err)
	}

	s.logger.Info("password changed via internal api", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
