package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/store"
)

// errorResponse is the non-redirect OAuth error shape.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	State            string `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeOAuthError maps a structured error onto the status code the relevant
// RFC mandates and emits the standard error body. Untyped errors become an
// opaque server_error.
func writeOAuthError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := autherrors.CodeOf(err)
	message := autherrors.MessageOf(err)

	status := http.StatusBadRequest
	switch code {
	case autherrors.CodeInvalidClient:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	case autherrors.CodeInvalidToken:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	case autherrors.CodeUnauthorized, autherrors.CodeSessionExpired:
		status = http.StatusUnauthorized
	case autherrors.CodeForbidden:
		status = http.StatusForbidden
	case autherrors.CodeNotFound:
		status = http.StatusNotFound
	case autherrors.CodeRateLimited:
		status = http.StatusTooManyRequests
	case autherrors.CodeInternal:
		status = http.StatusInternalServerError
		message = "internal server error"
	}

	if status >= 500 {
		logger.Error("request failed", "error", err)
	}

	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: message})
}

// isReplay reports whether the error chain marks a refresh token replay.
func isReplay(err error) bool {
	return errors.Is(err, store.ErrReplay)
}

func isNotFound(err error) bool {
	return autherrors.IsCode(err, autherrors.CodeNotFound)
}
