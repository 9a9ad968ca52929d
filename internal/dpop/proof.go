// Package dpop implements DPoP proof verification (RFC 9449).
package dpop

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	autherrors "github.com/learnforge/lms-auth/internal/errors"
)

// HeaderName is the HTTP header carrying the DPoP proof.
const HeaderName = "DPoP"

// proofType is the required typ header of a DPoP proof JWT.
const proofType = "dpop+jwt"

// DefaultProofWindow is the default acceptance window around the server
// clock for the proof iat claim.
const DefaultProofWindow = 60 * time.Second

// allowedAlgorithms are the signature algorithms accepted for proofs.
var allowedAlgorithms = []jose.SignatureAlgorithm{jose.ES256, jose.RS256}

// proofClaims is the claim set of a DPoP proof JWT.
type proofClaims struct {
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	JTI   string `json:"jti"`
	IAT   int64  `json:"iat"`
	ATH   string `json:"ath,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

// Verifier validates DPoP proofs and tracks jti values for replay detection.
type Verifier struct {
	nonces *NonceIssuer
	replay *replayCache
	window time.Duration
	now    func() time.Time
}

// Option configures the Verifier.
type Option func(*Verifier)

// WithProofWindow sets the iat acceptance window.
func WithProofWindow(window time.Duration) Option {
	return func(v *Verifier) {
		v.window = window
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
		v.replay.now = now
		if v.nonces != nil {
			v.nonces.now = now
		}
	}
}

// NewVerifier creates a Verifier. nonceKey derives server-issued nonces;
// it may be nil when nonce challenges are not used.
func NewVerifier(nonceKey []byte, opts ...Option) *Verifier {
	v := &Verifier{
		replay: newReplayCache(replayCacheCapacity, DefaultProofWindow),
		window: DefaultProofWindow,
		now:    time.Now,
	}
	if len(nonceKey) > 0 {
		v.nonces = NewNonceIssuer(nonceKey)
	}

	for _, opt := range opts {
		opt(v)
	}
	v.replay.ttl = v.window

	return v
}

// Nonce returns the current server nonce value, or "" when nonce challenges
// are disabled.
func (v *Verifier) Nonce() string {
	if v.nonces == nil {
		return ""
	}
	return v.nonces.Current()
}

// Verify checks a DPoP proof against the request method and URL and returns
// the JWK thumbprint (jkt) of the proof key.
//
// accessToken, when non-empty, requires an ath claim matching its SHA-256
// (the userinfo/resource path). requireNonce demands a valid server nonce.
func (v *Verifier) Verify(proof, method, requestURL, accessToken string, requireNonce bool) (string, error) {
	jws, err := jose.ParseSigned(proof, allowedAlgorithms)
	if err != nil {
		return "", autherrors.InvalidToken("malformed DPoP proof")
	}
	if len(jws.Signatures) != 1 {
		return "", autherrors.InvalidToken("DPoP proof must have exactly one signature")
	}

	header := jws.Signatures[0].Protected
	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != proofType {
		return "", autherrors.InvalidToken("DPoP proof typ must be dpop+jwt")
	}

	key := header.JSONWebKey
	if key == nil || !key.IsPublic() {
		return "", autherrors.InvalidToken("DPoP proof must embed a public JWK")
	}

	payload, err := jws.Verify(key)
	if err != nil {
		return "", autherrors.InvalidToken("DPoP proof signature verification failed")
	}

	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", autherrors.InvalidToken("malformed DPoP proof claims")
	}

	if claims.HTM != strings.ToUpper(method) {
		return "", autherrors.InvalidToken("DPoP proof htm mismatch")
	}
	if normalizeHTU(claims.HTU) != normalizeHTU(requestURL) {
		return "", autherrors.InvalidToken("DPoP proof htu mismatch")
	}

	// iat must sit within the acceptance window, edges inclusive.
	now := v.now()
	iat := time.Unix(claims.IAT, 0)
	if iat.Before(now.Add(-v.window)) || iat.After(now.Add(v.window)) {
		return "", autherrors.InvalidToken("DPoP proof iat outside acceptance window")
	}

	if claims.JTI == "" {
		return "", autherrors.InvalidToken("DPoP proof missing jti")
	}

	thumbprint, err := Thumbprint(key)
	if err != nil {
		return "", autherrors.Internal("failed to compute JWK thumbprint", err)
	}

	if !v.replay.Insert(thumbprint, claims.JTI) {
		return "", autherrors.InvalidToken("DPoP proof replay detected")
	}

	if accessToken != "" {
		if claims.ATH != HashAccessToken(accessToken) {
			return "", autherrors.InvalidToken("DPoP proof ath mismatch")
		}
	}

	if requireNonce {
		if v.nonces == nil || !v.nonces.Accept(claims.Nonce) {
			return "", autherrors.InvalidToken("DPoP proof nonce invalid")
		}
	}

	return thumbprint, nil
}

// Thumbprint computes the RFC 7638 JWK thumbprint as unpadded base64url.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// HashAccessToken computes the ath claim value for an access token.
func HashAccessToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// normalizeHTU strips query and fragment from a URL, per RFC 9449 §4.3.
func normalizeHTU(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
