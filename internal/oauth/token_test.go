package oauth

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/crypto"
	"github.com/learnforge/lms-auth/internal/domain"
	"github.com/learnforge/lms-auth/internal/dpop"
	autherrors "github.com/learnforge/lms-auth/internal/errors"
	"github.com/learnforge/lms-auth/internal/pkce"
	"github.com/learnforge/lms-auth/internal/store/memory"
)

const (
	testIssuer       = "https://auth.example.com"
	testTokenURL     = testIssuer + "/token"
	testRedirectURI  = "https://app.example.com/callback"
	testClientSecret = "confidential-client-secret"
)

// fixture wires the token service against the in-memory store.
type fixture struct {
	store    *memory.Store
	digester *crypto.Digester
	idTokens *crypto.IDTokenIssuer
	tokens   *TokenService
	userinfo *UserinfoService
	user     *domain.User
}

var sharedKeyPair *crypto.KeyPair

func testKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	if sharedKeyPair == nil {
		kp, err := crypto.GenerateKeyPair(2048)
		if err != nil {
			t.Fatalf("failed to generate keypair: %v", err)
		}
		sharedKeyPair = kp
	}
	return sharedKeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	st := memory.NewStore()
	digester := crypto.NewDigester([]byte("test-pepper"))
	idTokens := crypto.NewIDTokenIssuer(testKeyPair(t), testIssuer)
	dpopVerifier := dpop.NewVerifier(nil)

	user := &domain.User{
		ID:         uuid.New(),
		Email:      "alice@example.com",
		GivenName:  "Alice",
		FamilyName: "Zhang",
		Active:     true,
	}
	if err := st.Users().Create(ctx, user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	clients := []*domain.Client{
		{
			ID:            uuid.New(),
			ClientID:      "cid-public",
			Name:          "Public App",
			RedirectURIs:  []string{testRedirectURI},
			Scopes:        []string{"openid", "profile", "email", "offline_access"},
			PKCEMethods:   []string{domain.PKCEMethodS256},
			PKCERequired:  true,
			BearerAllowed: true,
		},
		{
			ID:            uuid.New(),
			ClientID:      "cid-confidential",
			Name:          "Server App",
			SecretDigest:  digester.Sum(testClientSecret),
			RedirectURIs:  []string{testRedirectURI},
			Scopes:        []string{"openid", "profile", "email", "offline_access"},
			PKCEMethods:   []string{domain.PKCEMethodS256},
			BearerAllowed: true,
		},
		{
			ID:            uuid.New(),
			ClientID:      "cid-dpop",
			Name:          "Native App",
			RedirectURIs:  []string{testRedirectURI},
			Scopes:        []string{"openid", "profile", "email", "offline_access"},
			PKCEMethods:   []string{domain.PKCEMethodS256},
			PKCERequired:  true,
			BearerAllowed: false,
		},
	}
	for _, client := range clients {
		if err := st.Clients().Create(ctx, client); err != nil {
			t.Fatalf("failed to create client: %v", err)
		}
	}

	return &fixture{
		store:    st,
		digester: digester,
		idTokens: idTokens,
		tokens: NewTokenService(st.Clients(), st.AuthCodes(), st.Tokens(),
			digester, idTokens, dpopVerifier, time.Hour, 720*time.Hour, logger),
		userinfo: NewUserinfoService(st.Tokens(), st.Users(), st.Clients(),
			digester, dpopVerifier, logger),
		user: user,
	}
}

// plantCode persists an authorization code the way the authorize endpoint
// would and returns the raw code.
func (f *fixture) plantCode(t *testing.T, clientID string, scopes []string, challenge, method, nonce string) string {
	t.Helper()

	raw, err := crypto.NewOpaqueToken()
	if err != nil {
		t.Fatalf("failed to mint code: %v", err)
	}
	now := time.Now()
	err = f.store.AuthCodes().Create(context.Background(), &domain.AuthCode{
		Digest:              f.digester.Sum(raw),
		ClientID:            clientID,
		UserID:              f.user.ID,
		Scopes:              scopes,
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Nonce:               nonce,
		AuthTime:            now.Add(-2 * time.Minute),
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("failed to store code: %v", err)
	}
	return raw
}

func s256Challenge(t *testing.T, verifier string) string {
	t.Helper()
	v, err := pkce.NewCodeVerifier(verifier)
	if err != nil {
		t.Fatalf("bad test verifier: %v", err)
	}
	challenge, err := v.Challenge(pkce.MethodS256)
	if err != nil {
		t.Fatalf("failed to derive challenge: %v", err)
	}
	return challenge
}

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func TestExchangeCodeHappyPath(t *testing.T) {
	f := newFixture(t)
	code := f.plantCode(t, "cid-public", []string{"openid", "profile"},
		s256Challenge(t, testVerifier), pkce.MethodS256, "nonce-123")

	resp, err := f.tokens.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     "cid-public",
	})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}

	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("token pair incomplete")
	}
	if resp.Scope != "openid profile" {
		t.Errorf("scope = %q, want %q", resp.Scope, "openid profile")
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}

	claims, err := f.idTokens.Verify(resp.IDToken)
	if err != nil {
		t.Fatalf("ID token does not verify: %v", err)
	}
	if claims.Subject != f.user.ID.String() {
		t.Errorf("id token sub = %q, want %q", claims.Subject, f.user.ID)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "cid-public" {
		t.Errorf("id token aud = %v, want [cid-public]", claims.Audience)
	}
	if claims.Nonce != "nonce-123" {
		t.Errorf("id token nonce = %q, want nonce-123", claims.Nonce)
	}

	stored, err := f.store.Tokens().GetAccessToken(context.Background(), f.digester.Sum(resp.AccessToken))
	if err != nil {
		t.Fatalf("access token not persisted: %v", err)
	}
	if stored.UserID == nil || *stored.UserID != f.user.ID {
		t.Error("access token not bound to the user")
	}
}

func TestExchangeCodeWithoutOpenIDScopeOmitsIDToken(t *testing.T) {
	f := newFixture(t)
	code := f.plantCode(t, "cid-public", []string{"profile"},
		s256Challenge(t, testVerifier), pkce.MethodS256, "")

	resp, err := f.tokens.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     "cid-public",
	})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if resp.IDToken != "" {
		t.Error("id_token issued without the openid scope")
	}
}

func TestExchangeCodePKCEFailureConsumesCode(t *testing.T) {
	f := newFixture(t)
	code := f.plantCode(t, "cid-public", []string{"openid"},
		s256Challenge(t, testVerifier), pkce.MethodS256, "")

	_, err := f.tokens.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: "wrong-verifier-wrong-verifier-wrong-verifier-wrong",
		ClientID:     "cid-public",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidGrant) {
		t.Fatalf("err = %v, want invalid_grant", err)
	}
	if autherrors.MessageOf(err) != "PKCE verification failed" {
		t.Errorf("message = %q, want PKCE verification failed", autherrors.MessageOf(err))
	}

	// Single-use semantics: the failed attempt burned the code.
	_, err = f.tokens.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     "cid-public",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidGrant) {
		t.Errorf("retry after PKCE failure: err = %v, want invalid_grant", err)
	}
}

func TestExchangeCodeInconsistentPKCEState(t *testing.T) {
	f := newFixture(t)

	// A method without a challenge can only come from store corruption and
	// is a server fault, same as a challenge without a method.
	code := f.plantCode(t, "cid-confidential", []string{"openid"}, "", pkce.MethodS256, "")

	_, err := f.tokens.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     "cid-confidential",
		ClientSecret: testClientSecret,
	})
	if !autherrors.IsCode(err, autherrors.CodeInternal) {
		t.Errorf("err = %v, want server_error", err)
	}
}

func TestExchangeCodeRedirectMismatch(t *testing.T) {
	f := newFixture(t)
	code := f.plantCode(t, "cid-public", []string{"openid"},
		s256Challenge(t, testVerifier), pkce.MethodS256, "")

	_, err := f.tokens.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  "https://evil.example.com/callback",
		CodeVerifier: testVerifier,
		ClientID:     "cid-public",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidGrant) {
		t.Errorf("err = %v, want invalid_grant", err)
	}
}

func TestExchangeCodeClientAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tokens.Exchange(ctx, &TokenRequest{
		GrantType: "authorization_code",
		Code:      "anything",
		ClientID:  "cid-confidential",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidClient) {
		t.Errorf("missing secret: err = %v, want invalid_client", err)
	}

	_, err = f.tokens.Exchange(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		Code:         "anything",
		ClientID:     "cid-confidential",
		ClientSecret: "wrong-secret",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidClient) {
		t.Errorf("wrong secret: err = %v, want invalid_client", err)
	}

	_, err = f.tokens.Exchange(ctx, &TokenRequest{
		GrantType: "authorization_code",
		Code:      "anything",
		ClientID:  "cid-missing",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidClient) {
		t.Errorf("unknown client: err = %v, want invalid_client", err)
	}
}

func TestExchangeUnsupportedGrantType(t *testing.T) {
	f := newFixture(t)

	_, err := f.tokens.Exchange(context.Background(), &TokenRequest{
		GrantType: "client_credentials",
		ClientID:  "cid-public",
	})
	if !autherrors.IsCode(err, autherrors.CodeUnsupportedGrantType) {
		t.Errorf("err = %v, want unsupported_grant_type", err)
	}
}

func (f *fixture) issuePair(t *testing.T, clientID string) *TokenResponse {
	t.Helper()
	code := f.plantCode(t, clientID, []string{"openid", "profile", "offline_access"},
		s256Challenge(t, testVerifier), pkce.MethodS256, "")

	req := &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     clientID,
	}
	if clientID == "cid-confidential" {
		req.ClientSecret = testClientSecret
	}
	resp, err := f.tokens.Exchange(context.Background(), req)
	if err != nil {
		t.Fatalf("failed to issue initial pair: %v", err)
	}
	return resp
}

func TestRefreshRotationAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	initial := f.issuePair(t, "cid-public")

	rotated, err := f.tokens.Exchange(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: initial.RefreshToken,
		ClientID:     "cid-public",
	})
	if err != nil {
		t.Fatalf("rotation failed: %v", err)
	}
	if rotated.RefreshToken == initial.RefreshToken {
		t.Error("rotation returned the same refresh token")
	}
	if rotated.IDToken != "" {
		t.Error("refresh grant issued an id_token")
	}

	// Replaying the consumed token kills the whole family.
	_, err = f.tokens.Exchange(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: initial.RefreshToken,
		ClientID:     "cid-public",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidGrant) {
		t.Fatalf("replay: err = %v, want invalid_grant", err)
	}

	_, err = f.tokens.Exchange(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: rotated.RefreshToken,
		ClientID:     "cid-public",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidGrant) {
		t.Errorf("post-sweep use of newest token: err = %v, want invalid_grant", err)
	}
}

func TestRefreshScopeNarrowing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	initial := f.issuePair(t, "cid-public")

	resp, err := f.tokens.Exchange(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: initial.RefreshToken,
		Scope:        "openid",
		ClientID:     "cid-public",
	})
	if err != nil {
		t.Fatalf("narrowing rotation failed: %v", err)
	}
	if resp.Scope != "openid" {
		t.Errorf("scope = %q, want openid", resp.Scope)
	}

	// Widening past the original grant is rejected and, because the mint
	// callback fails inside the transaction, does not consume the token.
	_, err = f.tokens.Exchange(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: resp.RefreshToken,
		Scope:        "openid profile email",
		ClientID:     "cid-public",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidScope) {
		t.Fatalf("widening: err = %v, want invalid_scope", err)
	}
	if _, err := f.tokens.Exchange(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: resp.RefreshToken,
		ClientID:     "cid-public",
	}); err != nil {
		t.Errorf("token consumed by failed widening attempt: %v", err)
	}
}

func TestIntrospection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issuePair(t, "cid-public")

	resp, err := f.tokens.Introspect(ctx, "cid-confidential", testClientSecret, pair.AccessToken)
	if err != nil {
		t.Fatalf("Introspect failed: %v", err)
	}
	if !resp.Active {
		t.Fatal("freshly issued token reported inactive")
	}
	if resp.Sub != f.user.ID.String() || resp.ClientID != "cid-public" {
		t.Errorf("introspection identity wrong: sub=%q client_id=%q", resp.Sub, resp.ClientID)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.Username != resp.Sub {
		t.Errorf("username = %q, want the stringified subject %q", resp.Username, resp.Sub)
	}
	if resp.Iss != testIssuer {
		t.Errorf("iss = %q, want %q", resp.Iss, testIssuer)
	}
	if resp.Exp == 0 || resp.Iat == 0 || resp.Jti == "" {
		t.Errorf("timestamps or jti missing: exp=%d iat=%d jti=%q", resp.Exp, resp.Iat, resp.Jti)
	}

	// Unknown tokens and refresh tokens are uniformly inactive.
	for _, token := range []string{"random-base64url-string", pair.RefreshToken} {
		resp, err := f.tokens.Introspect(ctx, "cid-confidential", testClientSecret, token)
		if err != nil {
			t.Fatalf("Introspect failed: %v", err)
		}
		if resp.Active {
			t.Errorf("token %q reported active", token)
		}
	}

	if _, err := f.tokens.Introspect(ctx, "cid-confidential", "wrong-secret", pair.AccessToken); !autherrors.IsCode(err, autherrors.CodeInvalidClient) {
		t.Errorf("bad caller credentials: err = %v, want invalid_client", err)
	}
}

func TestRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair := f.issuePair(t, "cid-public")

	if err := f.tokens.Revoke(ctx, "cid-public", "", pair.RefreshToken, HintRefreshToken); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := f.tokens.Exchange(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: pair.RefreshToken,
		ClientID:     "cid-public",
	}); !autherrors.IsCode(err, autherrors.CodeInvalidGrant) {
		t.Errorf("revoked refresh still rotates: err = %v", err)
	}

	// Wrong hint still finds the token on the second pass.
	if err := f.tokens.Revoke(ctx, "cid-public", "", pair.AccessToken, HintRefreshToken); err != nil {
		t.Fatalf("Revoke with wrong hint failed: %v", err)
	}
	resp, err := f.tokens.Introspect(ctx, "cid-confidential", testClientSecret, pair.AccessToken)
	if err != nil {
		t.Fatalf("Introspect failed: %v", err)
	}
	if resp.Active {
		t.Error("revoked access token reported active")
	}

	// Unknown token: silent success per RFC 7009.
	if err := f.tokens.Revoke(ctx, "cid-public", "", "no-such-token", ""); err != nil {
		t.Errorf("revoking unknown token errored: %v", err)
	}

	// A client cannot revoke another client's token.
	other := f.issuePair(t, "cid-confidential")
	if err := f.tokens.Revoke(ctx, "cid-public", "", other.RefreshToken, HintRefreshToken); err != nil {
		t.Fatalf("cross-client revoke errored: %v", err)
	}
	if _, err := f.tokens.Exchange(ctx, &TokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: other.RefreshToken,
		ClientID:     "cid-confidential",
		ClientSecret: testClientSecret,
	}); err != nil {
		t.Errorf("cross-client revoke actually revoked the token: %v", err)
	}
}

func TestDPoPRequiredForBearerDisabledClient(t *testing.T) {
	f := newFixture(t)
	code := f.plantCode(t, "cid-dpop", []string{"openid"},
		s256Challenge(t, testVerifier), pkce.MethodS256, "")

	_, err := f.tokens.Exchange(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     "cid-dpop",
	})
	if !autherrors.IsCode(err, autherrors.CodeInvalidClient) {
		t.Errorf("err = %v, want invalid_client", err)
	}
}
