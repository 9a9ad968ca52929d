package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

const (
	// DefaultKeySize is the default RSA key size in bits.
	DefaultKeySize = 2048
	// Algorithm is the JWT signing algorithm.
	Algorithm = "RS256"
	// KeyType is the JWK key type.
	KeyType = "RSA"
	// KeyUse is the JWK key use.
	KeyUse = "sig"
)

// KeyPair is the deployment's RSA signing keypair.
type KeyPair struct {
	Kid        string
	Alg        string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// LoadKeyPair parses a PEM-encoded RSA keypair. The kid is derived from the
// public key content, so it is stable across restarts for the same PEM.
func LoadKeyPair(privatePEM, publicPEM []byte) (*KeyPair, error) {
	privateKey, err := parsePrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}

	publicKey := &privateKey.PublicKey
	if len(publicPEM) > 0 {
		publicKey, err = parsePublicKey(publicPEM)
		if err != nil {
			return nil, err
		}
		if publicKey.N.Cmp(privateKey.N) != 0 || publicKey.E != privateKey.E {
			return nil, fmt.Errorf("public key PEM does not match private key")
		}
	}

	return &KeyPair{
		Kid:        DeriveKid(publicKey),
		Alg:        Algorithm,
		PrivateKey: privateKey,
		PublicKey:  publicKey,
	}, nil
}

// GenerateKeyPair generates a new RSA keypair. Used by tests and by
// development mode when no PEM is configured.
func GenerateKeyPair(keySize int) (*KeyPair, error) {
	if keySize == 0 {
		keySize = DefaultKeySize
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &KeyPair{
		Kid:        DeriveKid(&privateKey.PublicKey),
		Alg:        Algorithm,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// DeriveKid computes the JWK kid: the unpadded base64url SHA-256 of the
// DER-encoded public key (modulus and exponent).
func DeriveKid(pub *rsa.PublicKey) string {
	der := x509.MarshalPKCS1PublicKey(pub)
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// EncodePEM serializes a keypair to PEM, mirroring what LoadKeyPair accepts.
func (kp *KeyPair) EncodePEM() (privatePEM, publicPEM []byte, err error) {
	privatePEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
	})

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	publicPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})

	return privatePEM, publicPEM, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return key, nil
}
