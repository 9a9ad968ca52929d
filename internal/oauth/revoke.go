package oauth

import (
	"context"
)

// Token type hints accepted at the revocation endpoint.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// Revoke implements RFC 7009. The hinted type is tried first, then the
// other. Revoking an unknown token succeeds silently; only client
// authentication failures and storage faults surface as errors.
func (s *TokenService) Revoke(ctx context.Context, clientID, clientSecret, token, hint string) error {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}

	digest := s.digester.Sum(token)

	order := []string{HintAccessToken, HintRefreshToken}
	if hint == HintRefreshToken {
		order = []string{HintRefreshToken, HintAccessToken}
	}

	for _, kind := range order {
		var (
			found bool
			err   error
		)
		switch kind {
		case HintAccessToken:
			found, err = s.tokens.DeleteAccessToken(ctx, digest, client.ClientID)
		case HintRefreshToken:
			found, err = s.tokens.RevokeRefreshToken(ctx, digest, client.ClientID)
		}
		if err != nil {
			return err
		}
		if found {
			s.logger.Info("token revoked", "client_id", client.ClientID, "kind", kind)
			return nil
		}
	}

	// Unknown token. Nothing to do per RFC 7009.
	return nil
}
