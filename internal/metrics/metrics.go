package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitekeeper_login_total",
			Help: "Login attempts by method (password/passkey) and result",
		},
		[]string{"method", "result"},
	)
	Ceremonies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitekeeper_webauthn_ceremony_total",
			Help: "WebAuthn ceremony steps by flow (registration/authentication), stage (begin/finish) and result",
		},
		[]string{"flow", "stage", "result"},
	)
	CeremonyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitekeeper_webauthn_verify_duration_seconds",
			Help:    "Latency of WebAuthn response verification",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"flow"},
	)
	CounterRegressions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitekeeper_webauthn_counter_regression_total",
			Help: "Assertions rejected because the sign counter did not increase",
		},
	)
	CSRFRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitekeeper_csrf_rejections_total",
			Help: "Mutating requests rejected by the CSRF guard",
		},
	)
	GateRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitekeeper_auth_gate_rejections_total",
			Help: "Requests rejected for lacking an authenticated session",
		},
	)
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitekeeper_rate_limit_hits_total",
			Help: "Requests throttled per endpoint",
		},
		[]string{"endpoint"},
	)
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitekeeper_sessions_active",
			Help: "Server-side sessions currently held",
		},
	)
	StoreCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitekeeper_store_circuit_state",
			Help: "Store circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)
	StoreCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitekeeper_store_circuit_transitions_total",
			Help: "Store circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "sitekeeper_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		LoginAttempts, Ceremonies, CeremonyDuration, CounterRegressions,
		CSRFRejections, GateRejections, RateLimitHits, SessionsActive,
		StoreCircuitState, StoreCircuitTransitions, BuildInfo,
	)
}
