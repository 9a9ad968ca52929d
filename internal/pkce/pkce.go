// Package pkce implements Proof Key for Code Exchange (RFC 7636).
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

// Verifier length bounds per RFC 7636 §4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// Challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

var (
	// ErrBadLength is returned for verifiers outside 43-128 characters.
	ErrBadLength = errors.New("pkce: code_verifier must be 43-128 characters")
	// ErrBadCharset is returned for verifiers with characters outside the
	// unreserved set [A-Za-z0-9-._~].
	ErrBadCharset = errors.New("pkce: code_verifier contains invalid characters")
	// ErrBadMethod is returned for unknown challenge methods.
	ErrBadMethod = errors.New("pkce: unsupported code_challenge_method")
	// ErrBadChallenge is returned for malformed challenges.
	ErrBadChallenge = errors.New("pkce: malformed code_challenge")
)

// CodeVerifier is a validated PKCE code verifier.
type CodeVerifier string

// NewCodeVerifier validates the raw verifier string.
func NewCodeVerifier(s string) (CodeVerifier, error) {
	if len(s) < MinVerifierLength || len(s) > MaxVerifierLength {
		return "", ErrBadLength
	}
	if !validCharset(s) {
		return "", ErrBadCharset
	}
	return CodeVerifier(s), nil
}

// Challenge derives the code challenge for the given method.
func (v CodeVerifier) Challenge(method string) (string, error) {
	switch method {
	case MethodS256:
		sum := sha256.Sum256([]byte(v))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case MethodPlain:
		return string(v), nil
	default:
		return "", ErrBadMethod
	}
}

// ValidateChallenge checks a challenge as presented at /authorize: an S256
// challenge must decode to exactly 32 bytes; a plain challenge must itself
// satisfy the verifier rules.
func ValidateChallenge(challenge, method string) error {
	switch method {
	case MethodS256:
		raw, err := base64.RawURLEncoding.DecodeString(challenge)
		if err != nil || len(raw) != sha256.Size {
			return ErrBadChallenge
		}
		return nil
	case MethodPlain:
		if _, err := NewCodeVerifier(challenge); err != nil {
			return ErrBadChallenge
		}
		return nil
	default:
		return ErrBadMethod
	}
}

// Verify checks a raw verifier against a stored challenge in constant time.
// Malformed verifiers fail verification rather than erroring; the token
// endpoint treats both identically.
func Verify(challenge, method, rawVerifier string) bool {
	verifier, err := NewCodeVerifier(rawVerifier)
	if err != nil {
		return false
	}

	computed, err := verifier.Challenge(method)
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func validCharset(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
