// Package metrics exposes Prometheus counters for authentication outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionDecisions counts terminal SessionGuard states by outcome:
	// access_valid, rotated, or the rejection reason.
	SessionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_session_decisions_total",
			Help: "Terminal session guard decisions by outcome.",
		},
		[]string{"outcome"},
	)
	// OTPVerifications counts verify-otp results.
	OTPVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_otp_verifications_total",
			Help: "Identity assertion exchanges by result.",
		},
		[]string{"result"},
	)
	Lockouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_lockouts_total",
			Help: "Accounts locked after repeated failed verifications.",
		},
	)
)

// Register adds every collector of this package to registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(SessionDecisions, OTPVerifications, Lockouts)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
