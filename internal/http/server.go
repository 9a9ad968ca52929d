// Package http wires the authorization server endpoints onto a chi router.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/learnforge/lms-auth/internal/auth"
	"github.com/learnforge/lms-auth/internal/config"
	"github.com/learnforge/lms-auth/internal/credential"
	"github.com/learnforge/lms-auth/internal/crypto"
	"github.com/learnforge/lms-auth/internal/dpop"
	"github.com/learnforge/lms-auth/internal/metrics"
	"github.com/learnforge/lms-auth/internal/oauth"
	"github.com/learnforge/lms-auth/internal/store"
	"github.com/learnforge/lms-auth/internal/upstream"
)

// Server hosts every HTTP endpoint of the authorization server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store     store.Store
	sessions  *auth.SessionManager
	csrf      *auth.CSRF
	consent   *auth.ConsentService
	verifier  *credential.Verifier
	resets    *credential.ResetService
	authorize *oauth.AuthorizeService
	tokens    *oauth.TokenService
	userinfo  *oauth.UserinfoService
	nonces    *dpop.NonceIssuer
	keyPair   *crypto.KeyPair
	upstream  *upstream.Client

	router   chi.Router
	registry *prometheus.Registry
}

// Deps bundles the constructed services the server routes to.
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     store.Store
	Sessions  *auth.SessionManager
	CSRF      *auth.CSRF
	Consent   *auth.ConsentService
	Verifier  *credential.Verifier
	Resets    *credential.ResetService
	Authorize *oauth.AuthorizeService
	Tokens    *oauth.TokenService
	Userinfo  *oauth.UserinfoService
	Nonces    *dpop.NonceIssuer
	KeyPair   *crypto.KeyPair
	Upstream  *upstream.Client
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		metrics:   metrics.New(registry),
		store:     deps.Store,
		sessions:  deps.Sessions,
		csrf:      deps.CSRF,
		consent:   deps.Consent,
		verifier:  deps.Verifier,
		resets:    deps.Resets,
		authorize: deps.Authorize,
		tokens:    deps.Tokens,
		userinfo:  deps.Userinfo,
		nonces:    deps.Nonces,
		keyPair:   deps.KeyPair,
		upstream:  deps.Upstream,
		registry:  registry,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(instrument(s.metrics))
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	base := s.cfg.BasePath
	if base == "" {
		base = "/"
	}
	r.Route(base, func(r chi.Router) {
		r.Get("/.well-known/openid-configuration", s.handleDiscovery)
		r.Get("/jwks.json", s.handleJWKS)

		r.Get("/authorize", s.handleAuthorize)

		r.Group(func(r chi.Router) {
			r.Use(noStore)
			r.With(httprate.LimitByIP(s.cfg.TokenRateLimit, time.Minute)).
				Post("/token", s.handleToken)
			r.Post("/introspect", s.handleIntrospect)
			r.Post("/revoke", s.handleRevoke)
			r.Get("/userinfo", s.handleUserinfo)
		})

		r.Group(func(r chi.Router) {
			r.Get("/login", s.handleLoginForm)
			r.With(httprate.LimitByIP(s.cfg.LoginRateLimit, time.Minute)).
				Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)

			r.Get("/consent", s.handleConsentForm)
			r.Post("/consent", s.handleConsentDecision)
			r.Get("/consents", s.handleConsentList)
			r.Post("/consents/revoke", s.handleConsentRevoke)

			r.Get("/reset", s.handleResetForm)
			r.With(httprate.LimitByIP(s.cfg.LoginRateLimit, time.Minute)).
				Post("/reset", s.handleResetRequest)
			r.Get("/reset/confirm", s.handleResetConfirmForm)
			r.Post("/reset/confirm", s.handleResetConfirm)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Use(requireSharedSecret(s.cfg.UpstreamSharedSecret))
			r.Post("/users", s.handleInternalCreateUser)
			r.Post("/users/authenticate", s.handleInternalAuthenticate)
			r.Post("/users/change-password", s.handleInternalChangePassword)
		})
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("authorization server listening", "addr", s.cfg.Addr(), "issuer", s.issuer())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// issuer is the OIDC issuer identifier.
func (s *Server) issuer() string {
	return strings.TrimSuffix(s.cfg.BaseURL, "/") + s.cfg.BasePath
}

// endpointURL renders the advertised URL of an endpoint path. DPoP htu
// checks use these values so proofs verify behind a TLS-terminating proxy.
func (s *Server) endpointURL(path string) string {
	return s.issuer() + path
}
