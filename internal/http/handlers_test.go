package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/learnforge/lms-auth/internal/auth"
	"github.com/learnforge/lms-auth/internal/config"
	"github.com/learnforge/lms-auth/internal/credential"
	"github.com/learnforge/lms-auth/internal/crypto"
	"github.com/learnforge/lms-auth/internal/domain"
	"github.com/learnforge/lms-auth/internal/dpop"
	"github.com/learnforge/lms-auth/internal/oauth"
	"github.com/learnforge/lms-auth/internal/store/memory"
)

const (
	testBaseURL     = "http://auth.test"
	testRedirectURI = "https://app.test/callback"
	testSecret      = "svc-app-secret-value"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge   = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

var sharedKeyPair *crypto.KeyPair

type testServer struct {
	*Server
	store *memory.Store
	csrf  *auth.CSRF
	user  *domain.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	if sharedKeyPair == nil {
		kp, err := crypto.GenerateKeyPair(2048)
		if err != nil {
			t.Fatalf("failed to generate keypair: %v", err)
		}
		sharedKeyPair = kp
	}

	cfg := &config.Config{
		Host:                 "127.0.0.1",
		Port:                 0,
		BaseURL:              testBaseURL,
		AccessTokenTTL:       time.Hour,
		RefreshTokenTTL:      720 * time.Hour,
		AuthCodeTTL:          time.Minute,
		DPoPProofWindow:      time.Minute,
		SessionDuration:      24 * time.Hour,
		CookieSecret:         "test-cookie-secret",
		TokenHMACKey:         "test-hmac-key",
		DPoPNonceKey:         "test-nonce-key",
		ResetTokenTTL:        30 * time.Minute,
		LoginRateLimit:       100,
		TokenRateLimit:       1000,
		UpstreamSharedSecret: "internal-secret",
		TestMode:             true,
	}

	st := memory.NewStore()
	digester := crypto.NewDigester([]byte(cfg.TokenHMACKey))
	idTokens := crypto.NewIDTokenIssuer(sharedKeyPair, testBaseURL)
	dpopVerifier := dpop.NewVerifier([]byte(cfg.DPoPNonceKey))
	csrf := auth.NewCSRF([]byte(cfg.CookieSecret))
	sessions := auth.NewSessionManager(st.Sessions(), cfg.SessionDuration, false, "", logger)
	verifier := credential.NewVerifier(st.Users(), st.Passwords(), logger)

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
	hash, err := credential.HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	if err := st.Passwords().Upsert(ctx, user.ID, hash); err != nil {
		t.Fatalf("failed to store password: %v", err)
	}

	clients := []*domain.Client{
		{
			ID:            uuid.New(),
			ClientID:      "web-app",
			Name:          "Web App",
			RedirectURIs:  []string{testRedirectURI},
			Scopes:        []string{"openid", "profile", "email", "offline_access"},
			PKCEMethods:   []string{domain.PKCEMethodS256},
			PKCERequired:  true,
			BearerAllowed: true,
		},
		{
			ID:            uuid.New(),
			ClientID:      "svc-app",
			Name:          "Service App",
			SecretDigest:  digester.Sum(testSecret),
			RedirectURIs:  []string{testRedirectURI},
			Scopes:        []string{"openid", "profile", "email", "offline_access"},
			PKCEMethods:   []string{domain.PKCEMethodS256},
			BearerAllowed: true,
		},
	}
	for _, client := range clients {
		if err := st.Clients().Create(ctx, client); err != nil {
			t.Fatalf("failed to create client: %v", err)
		}
	}

	srv := NewServer(Deps{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Sessions: sessions,
		CSRF:     csrf,
		Consent:  auth.NewConsentService(st.Consents(), logger),
		Verifier: verifier,
		Resets:   credential.NewResetService(st.Users(), st.ResetTokens(), st.Sessions(), cfg.ResetTokenTTL, logger),
		Authorize: oauth.NewAuthorizeService(st.Clients(), st.AuthCodes(), st.Consents(),
			digester, cfg.AuthCodeTTL, logger),
		Tokens: oauth.NewTokenService(st.Clients(), st.AuthCodes(), st.Tokens(),
			digester, idTokens, dpopVerifier, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, logger),
		Userinfo: oauth.NewUserinfoService(st.Tokens(), st.Users(), st.Clients(),
			digester, dpopVerifier, logger),
		Nonces:  dpop.NewNonceIssuer([]byte(cfg.DPoPNonceKey)),
		KeyPair: sharedKeyPair,
	})

	return &testServer{Server: srv, store: st, csrf: csrf, user: user}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func postForm(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return v
}

func TestDiscoveryDocument(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	doc := decodeJSON[discoveryDocument](t, rec)

	if doc.Issuer != testBaseURL {
		t.Errorf("issuer = %q, want %q", doc.Issuer, testBaseURL)
	}
	if doc.TokenEndpoint != testBaseURL+"/token" {
		t.Errorf("token_endpoint = %q", doc.TokenEndpoint)
	}
	if len(doc.ResponseTypesSupported) != 1 || doc.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v", doc.ResponseTypesSupported)
	}
	// plain PKCE is never advertised.
	for _, m := range doc.CodeChallengeMethodsSupported {
		if m == "plain" {
			t.Error("plain advertised in code_challenge_methods_supported")
		}
	}
	if len(doc.DPoPSigningAlgValuesSupported) == 0 {
		t.Error("dpop_signing_alg_values_supported is empty")
	}
}

func TestJWKSEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/jwks.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode JWKS: %v", err)
	}
	if len(doc.Keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(doc.Keys))
	}
	key := doc.Keys[0]
	if key["kty"] != "RSA" || key["alg"] != "RS256" || key["use"] != "sig" {
		t.Errorf("key = %v", key)
	}
	if kid, _ := key["kid"].(string); kid == "" {
		t.Error("key has no kid")
	}
	if key["d"] != nil {
		t.Error("private exponent leaked into JWKS")
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d", rec.Code)
	}
}

// login signs the seeded user in and returns the session cookie.
func (ts *testServer) login(t *testing.T, returnTo string) *http.Cookie {
	t.Helper()
	rec := ts.do(t, postForm("/login", url.Values{
		"email":     {"alice@example.com"},
		"password":  {"correct horse battery"},
		"return_to": {returnTo},
	}))
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatalf("login did not set a session cookie, status %d: %s", rec.Code, rec.Body.String())
	return nil
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, postForm("/login", url.Values{
		"email":    {"alice@example.com"},
		"password": {"wrong password"},
	}))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.SessionCookieName && c.Value != "" {
			t.Error("session cookie set on failed login")
		}
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ts := newTestServer(t)

	authorizeURL := "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {"web-app"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid profile"},
		"state":                 {"st-123"},
		"nonce":                 {"n-456"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}.Encode()

	// Unauthenticated requests bounce to the login form.
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, authorizeURL, nil))
	if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), "/login?") {
		t.Fatalf("anonymous authorize: status %d location %q", rec.Code, rec.Header().Get("Location"))
	}

	cookie := ts.login(t, authorizeURL)

	// First authorize with a session lands on the consent prompt.
	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	req.AddCookie(cookie)
	rec = ts.do(t, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d", rec.Code)
	}
	consentURL, err := url.Parse(rec.Header().Get("Location"))
	if err != nil || consentURL.Path != "/consent" {
		t.Fatalf("authorize redirected to %q, want /consent", rec.Header().Get("Location"))
	}

	// Approve with the CSRF token bound to this session.
	req = postForm("/consent", url.Values{
		"decision":   {"approve"},
		"csrf_token": {ts.csrf.Token(cookie.Value)},
		"client_id":  {consentURL.Query().Get("client_id")},
		"scope":      {consentURL.Query().Get("scope")},
		"return_to":  {consentURL.Query().Get("return_to")},
	})
	req.AddCookie(cookie)
	rec = ts.do(t, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("consent status = %d: %s", rec.Code, rec.Body.String())
	}

	// Retrying authorize now delivers the code to the client.
	req = httptest.NewRequest(http.MethodGet, rec.Header().Get("Location"), nil)
	req.AddCookie(cookie)
	rec = ts.do(t, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("post-consent authorize status = %d", rec.Code)
	}
	callback, err := url.Parse(rec.Header().Get("Location"))
	if err != nil || !strings.HasPrefix(callback.String(), testRedirectURI) {
		t.Fatalf("code delivered to %q", rec.Header().Get("Location"))
	}
	code := callback.Query().Get("code")
	if code == "" {
		t.Fatal("no code in callback")
	}
	if callback.Query().Get("state") != "st-123" {
		t.Errorf("state = %q", callback.Query().Get("state"))
	}

	// Exchange the code.
	rec = ts.do(t, postForm("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
		"client_id":     {"web-app"},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d: %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	tok := decodeJSON[map[string]any](t, rec)
	access, _ := tok["access_token"].(string)
	if access == "" || tok["token_type"] != "Bearer" {
		t.Fatalf("token response = %v", tok)
	}
	if idToken, _ := tok["id_token"].(string); idToken == "" {
		t.Error("no id_token for an openid grant")
	}

	// The access token works at userinfo.
	req = httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec = ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("userinfo status = %d: %s", rec.Code, rec.Body.String())
	}
	info := decodeJSON[map[string]any](t, rec)
	if info["sub"] != ts.user.ID.String() {
		t.Errorf("sub = %v", info["sub"])
	}
	if info["first_name"] != "Alice" {
		t.Errorf("first_name = %v", info["first_name"])
	}
}

func TestAuthorizeEarlyErrorsDoNotRedirect(t *testing.T) {
	ts := newTestServer(t)

	base := url.Values{
		"response_type":         {"code"},
		"client_id":             {"web-app"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid"},
		"state":                 {"xyz"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}

	cases := []struct {
		name      string
		mutate    func(url.Values)
		wantError string
	}{
		{"response_type token", func(q url.Values) { q.Set("response_type", "token") }, "unsupported_response_type"},
		{"missing scope", func(q url.Values) { q.Del("scope") }, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := url.Values{}
			for k, v := range base {
				q[k] = v
			}
			tc.mutate(q)

			rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if loc := rec.Header().Get("Location"); loc != "" {
				t.Errorf("error was redirected to %q", loc)
			}
			body := decodeJSON[errorResponse](t, rec)
			if body.Error != tc.wantError {
				t.Errorf("error = %q, want %q", body.Error, tc.wantError)
			}
		})
	}

	// A disallowed scope still redirects: the redirect target is trusted by
	// the time scope values are checked.
	q := url.Values{}
	for k, v := range base {
		q[k] = v
	}
	q.Set("scope", "openid admin")
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("disallowed scope: status = %d, want 302", rec.Code)
	}
	target, err := url.Parse(rec.Header().Get("Location"))
	if err != nil || !strings.HasPrefix(target.String(), testRedirectURI) {
		t.Fatalf("disallowed scope redirected to %q", rec.Header().Get("Location"))
	}
	if target.Query().Get("error") != "invalid_scope" {
		t.Errorf("error = %q, want invalid_scope", target.Query().Get("error"))
	}
}

func TestConsentDenyRedirectsWithError(t *testing.T) {
	ts := newTestServer(t)

	authorizeURL := "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {"web-app"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid"},
		"state":                 {"st-deny"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}.Encode()
	cookie := ts.login(t, authorizeURL)

	req := postForm("/consent", url.Values{
		"decision":   {"deny"},
		"csrf_token": {ts.csrf.Token(cookie.Value)},
		"client_id":  {"web-app"},
		"scope":      {"openid"},
		"return_to":  {authorizeURL},
	})
	req.AddCookie(cookie)
	rec := ts.do(t, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	target, err := url.Parse(rec.Header().Get("Location"))
	if err != nil || !strings.HasPrefix(target.String(), testRedirectURI) {
		t.Fatalf("deny redirected to %q", rec.Header().Get("Location"))
	}
	if target.Query().Get("error") != "access_denied" {
		t.Errorf("error = %q, want access_denied", target.Query().Get("error"))
	}
	if target.Query().Get("state") != "st-deny" {
		t.Errorf("state = %q", target.Query().Get("state"))
	}
}

func TestConsentDecisionRequiresCSRF(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.login(t, "")

	req := postForm("/consent", url.Values{
		"decision":   {"approve"},
		"csrf_token": {"forged"},
		"client_id":  {"web-app"},
		"scope":      {"openid"},
		"return_to":  {"/authorize?client_id=web-app"},
	})
	req.AddCookie(cookie)
	rec := ts.do(t, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestTokenEndpointErrorShape(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, postForm("/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"bogus"},
		"client_id":  {"svc-app"},
		// Missing client_secret for a confidential client.
	}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("no WWW-Authenticate challenge on invalid_client")
	}
	body := decodeJSON[errorResponse](t, rec)
	if body.Error != "invalid_client" {
		t.Errorf("error = %q, want invalid_client", body.Error)
	}

	rec = ts.do(t, postForm("/token", url.Values{
		"grant_type": {"password"},
		"client_id":  {"web-app"},
	}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported grant status = %d, want 400", rec.Code)
	}
	body = decodeJSON[errorResponse](t, rec)
	if body.Error != "unsupported_grant_type" {
		t.Errorf("error = %q, want unsupported_grant_type", body.Error)
	}
}

func TestIntrospectUnknownTokenIsInactive(t *testing.T) {
	ts := newTestServer(t)

	req := postForm("/introspect", url.Values{"token": {"nonexistent-token"}})
	req.SetBasicAuth("svc-app", testSecret)
	rec := ts.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeJSON[map[string]any](t, rec)
	if body["active"] != false {
		t.Errorf("active = %v, want false", body["active"])
	}
}

func TestUserinfoRequiresAuthorization(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/userinfo", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func TestInternalEndpointsRequireSharedSecret(t *testing.T) {
	ts := newTestServer(t)

	body := strings.NewReader(`{"email":"new@example.com","password":"long enough pw"}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/users", body)
	req.Header.Set("Content-Type", "application/json")
	rec := ts.do(t, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no secret: status = %d, want 401", rec.Code)
	}

	body = strings.NewReader(`{"email":"new@example.com","password":"long enough pw"}`)
	req = httptest.NewRequest(http.MethodPost, "/internal/users", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic internal-secret")
	rec = ts.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("with secret: status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	if _, err := ts.store.Users().GetByEmail(context.Background(), "new@example.com"); err != nil {
		t.Errorf("created user not found: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestSafeReturnTo(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{"/authorize?client_id=x", true},
		{"/consents", true},
		{"", false},
		{"https://evil.example.com/", false},
		{"//evil.example.com/", false},
		{"relative/path", false},
	}
	for _, tc := range cases {
		if _, ok := safeReturnTo(tc.raw); ok != tc.ok {
			t.Errorf("safeReturnTo(%q) = %v, want %v", tc.raw, ok, tc.ok)
		}
	}
}
