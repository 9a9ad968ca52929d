// Package metrics defines the Prometheus instrumentation for the
// authorization server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors. A single instance is shared across the HTTP
// layer.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	TokensIssued     *prometheus.CounterVec
	GrantFailures    *prometheus.CounterVec
	ReplaysDetected  prometheus.Counter
	DPoPProofErrors  prometheus.Counter
	LoginAttempts    *prometheus.CounterVec
	ConsentDecisions *prometheus.CounterVec
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_http_requests_total",
			Help: "HTTP requests by route, method, and status code.",
		}, []string{"route", "method", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auth_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Token pairs issued by grant type and token type.",
		}, []string{"grant_type", "token_type"}),

		GrantFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_grant_failures_total",
			Help: "Token endpoint failures by OAuth error code.",
		}, []string{"error"}),

		ReplaysDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_replays_detected_total",
			Help: "Refresh token replays that triggered a family revocation.",
		}),

		DPoPProofErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "auth_dpop_proof_errors_total",
			Help: "DPoP proofs rejected during verification.",
		}),

		LoginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),

		ConsentDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_consent_decisions_total",
			Help: "Consent prompt decisions by outcome.",
		}, []string{"outcome"}),
	}
}
