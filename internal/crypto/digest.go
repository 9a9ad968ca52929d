// Package crypto provides cryptographic utilities: keyed token digests,
// opaque token generation, RS256 signing keys, and JWKS rendering.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// OpaqueTokenBytes is the entropy of a freshly minted opaque token.
const OpaqueTokenBytes = 32

// Digester computes keyed digests of opaque tokens. The HMAC key acts as a
// pepper: a database leak alone does not reveal usable tokens.
type Digester struct {
	key []byte
}

// NewDigester creates a Digester with the given process-wide secret.
func NewDigester(key []byte) *Digester {
	return &Digester{key: key}
}

// Sum returns HMAC-SHA-256(token, key). All persisted codes, access tokens,
// refresh tokens, and client secrets are stored in this form.
func (d *Digester) Sum(token string) []byte {
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(token))
	return mac.Sum(nil)
}

// Equal compares a raw token against a stored digest in constant time.
func (d *Digester) Equal(token string, digest []byte) bool {
	return hmac.Equal(d.Sum(token), digest)
}

// NewOpaqueToken mints 256 bits of cryptographic randomness encoded as
// unpadded base64url.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, OpaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
