package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

const testTokenURL = "https://auth.example.com/token"

type proofOverrides struct {
	htm   string
	htu   string
	iat   int64
	jti   string
	ath   string
	nonce string
	typ   string
}

func newProofKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate proof key: %v", err)
	}
	return key
}

func signProof(t *testing.T, key *ecdsa.PrivateKey, o proofOverrides) string {
	t.Helper()

	if o.htm == "" {
		o.htm = "POST"
	}
	if o.htu == "" {
		o.htu = testTokenURL
	}
	if o.iat == 0 {
		o.iat = time.Now().Unix()
	}
	if o.jti == "" {
		o.jti = uuid.NewString()
	}
	if o.typ == "" {
		o.typ = "dpop+jwt"
	}

	payload, err := json.Marshal(proofClaims{
		HTM:   o.htm,
		HTU:   o.htu,
		IAT:   o.iat,
		JTI:   o.jti,
		ATH:   o.ath,
		Nonce: o.nonce,
	})
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}

	opts := (&jose.SignerOptions{EmbedJWK: true}).WithType(jose.ContentType(o.typ))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, opts)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("failed to sign proof: %v", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("failed to serialize proof: %v", err)
	}
	return compact
}

func keyThumbprint(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	jwk := jose.JSONWebKey{Key: key.Public()}
	tp, err := Thumbprint(&jwk)
	if err != nil {
		t.Fatalf("failed to compute thumbprint: %v", err)
	}
	return tp
}

func TestVerifyValidProof(t *testing.T) {
	v := NewVerifier(nil)
	key := newProofKey(t)

	jkt, err := v.Verify(signProof(t, key, proofOverrides{}), "POST", testTokenURL, "", false)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if want := keyThumbprint(t, key); jkt != want {
		t.Errorf("jkt = %q, want %q", jkt, want)
	}
}

func TestVerifyRejectsWrongTyp(t *testing.T) {
	v := NewVerifier(nil)
	key := newProofKey(t)

	proof := signProof(t, key, proofOverrides{typ: "JWT"})
	if _, err := v.Verify(proof, "POST", testTokenURL, "", false); err == nil {
		t.Error("proof with typ JWT accepted")
	}
}

func TestVerifyRejectsMethodMismatch(t *testing.T) {
	v := NewVerifier(nil)
	key := newProofKey(t)

	proof := signProof(t, key, proofOverrides{htm: "GET"})
	if _, err := v.Verify(proof, "POST", testTokenURL, "", false); err == nil {
		t.Error("proof with htm GET accepted for a POST request")
	}
}

func TestVerifyNormalizesHTU(t *testing.T) {
	v := NewVerifier(nil)
	key := newProofKey(t)

	// Query and fragment on the request URL are stripped before comparison.
	proof := signProof(t, key, proofOverrides{})
	if _, err := v.Verify(proof, "POST", testTokenURL+"?foo=bar#frag", "", false); err != nil {
		t.Errorf("Verify failed on URL with query and fragment: %v", err)
	}

	proof = signProof(t, key, proofOverrides{htu: "https://other.example.com/token"})
	if _, err := v.Verify(proof, "POST", testTokenURL, "", false); err == nil {
		t.Error("proof for a different URL accepted")
	}
}

func TestVerifyIATWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(nil, WithClock(func() time.Time { return now }))
	key := newProofKey(t)

	// Edges are inclusive.
	for _, offset := range []time.Duration{-DefaultProofWindow, 0, DefaultProofWindow} {
		proof := signProof(t, key, proofOverrides{iat: now.Add(offset).Unix()})
		if _, err := v.Verify(proof, "POST", testTokenURL, "", false); err != nil {
			t.Errorf("iat offset %v rejected: %v", offset, err)
		}
	}

	for _, offset := range []time.Duration{-DefaultProofWindow - time.Second, DefaultProofWindow + time.Second} {
		proof := signProof(t, key, proofOverrides{iat: now.Add(offset).Unix()})
		if _, err := v.Verify(proof, "POST", testTokenURL, "", false); err == nil {
			t.Errorf("iat offset %v accepted", offset)
		}
	}
}

func TestVerifyRejectsJTIReplay(t *testing.T) {
	v := NewVerifier(nil)
	key := newProofKey(t)

	proof := signProof(t, key, proofOverrides{jti: "fixed-jti"})
	if _, err := v.Verify(proof, "POST", testTokenURL, "", false); err != nil {
		t.Fatalf("first use failed: %v", err)
	}
	if _, err := v.Verify(proof, "POST", testTokenURL, "", false); err == nil {
		t.Error("replayed proof accepted")
	}

	// A fresh jti from the same key is fine.
	proof = signProof(t, key, proofOverrides{jti: "another-jti"})
	if _, err := v.Verify(proof, "POST", testTokenURL, "", false); err != nil {
		t.Errorf("fresh jti rejected: %v", err)
	}
}

func TestVerifyATH(t *testing.T) {
	v := NewVerifier(nil)
	key := newProofKey(t)
	accessToken := "opaque-access-token"

	proof := signProof(t, key, proofOverrides{ath: HashAccessToken(accessToken)})
	if _, err := v.Verify(proof, "POST", testTokenURL, accessToken, false); err != nil {
		t.Errorf("proof with correct ath rejected: %v", err)
	}

	proof = signProof(t, key, proofOverrides{ath: HashAccessToken("some-other-token")})
	if _, err := v.Verify(proof, "POST", testTokenURL, accessToken, false); err == nil {
		t.Error("proof with wrong ath accepted")
	}

	proof = signProof(t, key, proofOverrides{})
	if _, err := v.Verify(proof, "POST", testTokenURL, accessToken, false); err == nil {
		t.Error("proof without ath accepted when an access token was presented")
	}
}

func TestVerifyNonce(t *testing.T) {
	nonceKey := []byte("nonce-signing-key")
	v := NewVerifier(nonceKey)
	key := newProofKey(t)

	proof := signProof(t, key, proofOverrides{nonce: v.Nonce()})
	if _, err := v.Verify(proof, "POST", testTokenURL, "", true); err != nil {
		t.Errorf("proof with current nonce rejected: %v", err)
	}

	proof = signProof(t, key, proofOverrides{nonce: "stale-nonce"})
	if _, err := v.Verify(proof, "POST", testTokenURL, "", true); err == nil {
		t.Error("proof with bogus nonce accepted")
	}

	proof = signProof(t, key, proofOverrides{})
	if _, err := v.Verify(proof, "POST", testTokenURL, "", true); err == nil {
		t.Error("proof without nonce accepted when nonce is required")
	}
}

func TestNonceIssuerAcceptsPreviousBucket(t *testing.T) {
	issuer := NewNonceIssuer([]byte("nonce-signing-key"))

	base := time.Now()
	issuer.now = func() time.Time { return base }
	current := issuer.Current()

	issuer.now = func() time.Time { return base.Add(nonceBucket) }
	if !issuer.Accept(current) {
		t.Error("nonce from the previous bucket rejected")
	}

	issuer.now = func() time.Time { return base.Add(2 * nonceBucket) }
	if issuer.Accept(current) {
		t.Error("nonce two buckets old accepted")
	}
}

func TestReplayCacheEvictsExpired(t *testing.T) {
	cache := newReplayCache(4, time.Minute)
	base := time.Now()
	cache.now = func() time.Time { return base }

	if !cache.Insert("jkt", "a") {
		t.Fatal("first insert reported replay")
	}
	if cache.Insert("jkt", "a") {
		t.Error("duplicate insert within ttl not reported as replay")
	}

	cache.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !cache.Insert("jkt", "a") {
		t.Error("insert after ttl expiry reported as replay")
	}
}
