package dpop

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"time"
)

// nonceBucket is the rotation interval for server-issued nonces. A proof is
// accepted with the current or the immediately previous nonce, so clients
// get at least one full bucket of validity.
const nonceBucket = 5 * time.Minute

// NonceIssuer derives server DPoP nonces from a process-wide HMAC key and
// the current time bucket. Nonces are stateless: any instance holding the
// key accepts them.
type NonceIssuer struct {
	key []byte
	now func() time.Time
}

// NewNonceIssuer creates a NonceIssuer with the given key.
func NewNonceIssuer(key []byte) *NonceIssuer {
	return &NonceIssuer{
		key: key,
		now: time.Now,
	}
}

// Current returns the nonce for the current time bucket.
func (n *NonceIssuer) Current() string {
	return n.forBucket(n.bucket(0))
}

// Accept reports whether the nonce matches the current or previous bucket.
func (n *NonceIssuer) Accept(nonce string) bool {
	if nonce == "" {
		return false
	}
	return nonce == n.forBucket(n.bucket(0)) || nonce == n.forBucket(n.bucket(-1))
}

func (n *NonceIssuer) bucket(offset int64) int64 {
	return n.now().Unix()/int64(nonceBucket.Seconds()) + offset
}

func (n *NonceIssuer) forBucket(bucket int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bucket))

	mac := hmac.New(sha256.New, n.key)
	mac.Write(buf[:])
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:16])
}
