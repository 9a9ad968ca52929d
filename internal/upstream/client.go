// Package upstream talks to the legacy identity system that accounts are
// migrated from. It is optional: when no base URL is configured the server
// runs standalone.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	autherrors "github.com/learnforge/lms-auth/internal/errors"
)

// Client calls the legacy identity API with a shared secret.
type Client struct {
	baseURL      string
	sharedSecret string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates an upstream client. The long timeout accommodates the
// legacy system's slow password hashing path.
func NewClient(baseURL, sharedSecret string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		sharedSecret: sharedSecret,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		logger:       logger,
	}
}

// Enabled reports whether an upstream is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// VerifyCredentials asks the legacy system to check an email and password
// pair, returning its account id on success. Transient failures are retried
// with exponential backoff; a final failure is logged as a security event
// because it can mask credential-stuffing noise.
func (c *Client) VerifyCredentials(ctx context.Context, email, password string) (int64, error) {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return 0, autherrors.Internal("failed to encode upstream request", err)
	}

	operation := func() (int64, error) {
		return c.postVerify(ctx, body)
	}

	id, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		if !autherrors.IsCode(err, autherrors.CodeUnauthorized) {
			c.logger.Error("upstream credential verification unavailable", "error", err)
		}
		return 0, err
	}
	return id, nil
}

// MarkPasswordManaged tells the legacy system that this account's password
// is now managed here, so it stops honoring the old credential. The local
// migration is already committed when this runs; a final failure is logged
// as a security event and never rolled back.
func (c *Client) MarkPasswordManaged(ctx context.Context, upstreamID int64) error {
	operation := func() (struct{}, error) {
		return struct{}{}, c.postPasswordManaged(ctx, upstreamID)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		c.logger.Error("failed to mark password managed upstream",
			"upstream_id", upstreamID, "error", err)
	}
	return err
}

func (c *Client) postPasswordManaged(ctx context.Context, upstreamID int64) error {
	url := fmt.Sprintf("%s/api/v0/users/%d/password-managed", c.baseURL, upstreamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return backoff.Permanent(autherrors.Internal("failed to build upstream request", err))
	}
	req.Header.Set("Authorization", "Basic "+c.sharedSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("upstream returned %d", resp.StatusCode))
	}
}

func (c *Client) postVerify(ctx context.Context, body []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v0/users/authenticate", bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(autherrors.Internal("failed to build upstream request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+c.sharedSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out struct {
			ID int64 `json:"id"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
			return 0, backoff.Permanent(autherrors.Internal("failed to decode upstream response", err))
		}
		return out.ID, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, backoff.Permanent(autherrors.Unauthorized("invalid email or password"))
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("upstream returned %d", resp.StatusCode)
	default:
		return 0, backoff.Permanent(fmt.Errorf("upstream returned %d", resp.StatusCode))
	}
}
