package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the authorization service.
type Metrics struct {
	// Decision path
	DecisionsTotal        *prometheus.CounterVec
	VisibilityChecksTotal *prometheus.CounterVec
	DecisionDuration      prometheus.Histogram

	// Management operations
	GrantOperationsTotal *prometheus.CounterVec

	// Catalog event ingestion
	CatalogEventsTotal *prometheus.CounterVec

	// Counter/wait mechanism
	WaitDuration  *prometheus.HistogramVec
	WaitTimeouts  *prometheus.CounterVec
	WaitersActive *prometheus.GaugeVec

	// Store gauges, refreshed periodically from the store
	RolesTotal      prometheus.Gauge
	PrivilegesTotal prometheus.Gauge
	GroupLinksTotal prometheus.Gauge
	CounterValue    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all metrics on the given registry. A nil
// registry gets a fresh one, keeping tests isolated.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_decisions_total",
				Help: "Authorization decisions by result",
			},
			[]string{"result"},
		),
		VisibilityChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_visibility_checks_total",
				Help: "Metadata visibility checks by result",
			},
			[]string{"result"},
		),
		DecisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_decision_duration_seconds",
				Help:    "Authorization decision latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		GrantOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_grant_operations_total",
				Help: "Grant/revoke/role management operations by status",
			},
			[]string{"operation", "status"},
		),
		CatalogEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_catalog_events_total",
				Help: "Catalog lifecycle events by type and outcome",
			},
			[]string{"type", "status"},
		),
		WaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_counter_wait_duration_seconds",
				Help:    "Time callers spend blocked in WaitFor",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		WaitTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_counter_wait_timeouts_total",
				Help: "WaitFor calls that exceeded their budget",
			},
			[]string{"category"},
		),
		WaitersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_counter_waiters",
				Help: "Callers currently parked on a counter category",
			},
			[]string{"category"},
		),
		RolesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_roles",
			Help: "Roles in the privilege store",
		}),
		PrivilegesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_privileges",
			Help: "Privileges in the privilege store",
		}),
		GroupLinksTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_group_role_links",
			Help: "Group-to-role links in the privilege store",
		}),
		CounterValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warden_mutation_counter",
				Help: "Current value of each mutation counter",
			},
			[]string{"category"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.DecisionsTotal,
		m.VisibilityChecksTotal,
		m.DecisionDuration,
		m.GrantOperationsTotal,
		m.CatalogEventsTotal,
		m.WaitDuration,
		m.WaitTimeouts,
		m.WaitersActive,
		m.RolesTotal,
		m.PrivilegesTotal,
		m.GroupLinksTotal,
		m.CounterValue,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
