package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenClaims are the claims carried by an ID token. Access tokens are
// opaque handles and never JWTs; only ID tokens are signed.
type IDTokenClaims struct {
	// AuthTime is the time of the most recent end-user authentication event.
	AuthTime int64 `json:"auth_time"`
	// Nonce echoes the nonce of the original authorize request, if any.
	Nonce string `json:"nonce,omitempty"`

	jwt.RegisteredClaims
}

// IDTokenIssuer signs RS256 ID tokens with the deployment keypair.
type IDTokenIssuer struct {
	keyPair *KeyPair
	issuer  string
}

// NewIDTokenIssuer creates a new IDTokenIssuer.
func NewIDTokenIssuer(keyPair *KeyPair, issuer string) *IDTokenIssuer {
	return &IDTokenIssuer{
		keyPair: keyPair,
		issuer:  issuer,
	}
}

// Issuer returns the iss value this deployment stamps on its tokens.
func (i *IDTokenIssuer) Issuer() string {
	return i.issuer
}

// Issue signs an ID token for the given subject and audience. expiresAt is
// aligned with the access-token expiry by the caller.
func (i *IDTokenIssuer) Issue(subject, audience string, authTime time.Time, nonce string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()

	claims := &IDTokenClaims{
		AuthTime: authTime.Unix(),
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.keyPair.Kid

	signed, err := token.SignedString(i.keyPair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}

	return signed, nil
}

// Verify parses and validates an ID token against the deployment key.
// Used by tests and by relying-party debugging tools.
func (i *IDTokenIssuer) Verify(tokenString string) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid != i.keyPair.Kid {
			return nil, fmt.Errorf("unknown key ID")
		}
		return i.keyPair.PublicKey, nil
	}, jwt.WithIssuer(i.issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ID token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid ID token")
	}

	return claims, nil
}
