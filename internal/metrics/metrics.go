// Package metrics registers the server's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server exports.
type Metrics struct {
	registry *prometheus.Registry

	AuthAttempts     *prometheus.CounterVec
	TokenValidations *prometheus.CounterVec
	TokensMinted     prometheus.Counter
	TokensRevoked    *prometheus.CounterVec

	PermissionChecks   *prometheus.CounterVec
	ResolutionDuration prometheus.Histogram

	FabricRequests *prometheus.CounterVec
	FabricDuration *prometheus.HistogramVec
	DeadLetters    prometheus.Counter

	CacheLookups *prometheus.CounterVec

	AuditEvents       *prometheus.CounterVec
	SuspiciousFinding *prometheus.CounterVec
}

// New builds a Metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_auth_attempts_total",
			Help: "Authentication attempts by result.",
		}, []string{"result"}),
		TokenValidations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_token_validations_total",
			Help: "Token validations by outcome.",
		}, []string{"outcome"}),
		TokensMinted: factory.NewCounter(prometheus.CounterOpts{
			Name: "authmesh_tokens_minted_total",
			Help: "Scoped tokens minted.",
		}),
		TokensRevoked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_tokens_revoked_total",
			Help: "Tokens revoked by reason.",
		}, []string{"reason"}),

		PermissionChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_permission_checks_total",
			Help: "Permission checks by result.",
		}, []string{"result"}),
		ResolutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "authmesh_permission_resolution_seconds",
			Help:    "Time to resolve a user's effective permission set.",
			Buckets: prometheus.DefBuckets,
		}),

		FabricRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_fabric_requests_total",
			Help: "Fabric request/reply calls by subject and outcome.",
		}, []string{"subject", "outcome"}),
		FabricDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authmesh_fabric_request_seconds",
			Help:    "Fabric round trip duration by subject.",
			Buckets: prometheus.DefBuckets,
		}, []string{"subject"}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "authmesh_fabric_dead_letters_total",
			Help: "Messages sent to the dead letter subject.",
		}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_cache_lookups_total",
			Help: "Cache lookups by cache name and outcome.",
		}, []string{"cache", "outcome"}),

		AuditEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_audit_events_total",
			Help: "Audit events written by category and result.",
		}, []string{"category", "result"}),
		SuspiciousFinding: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authmesh_suspicious_activity_total",
			Help: "Suspicious activity findings by type.",
		}, []string{"activity_type"}),
	}
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
