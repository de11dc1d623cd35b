// Package metrics exposes credential core counters on a dedicated Prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credcore"

// Metrics implements the metric hooks of keys.Manager, wallet.Service,
// guard.Guard and the audit dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	admissions    *prometheus.CounterVec
	keysIssued    *prometheus.CounterVec
	keysRevoked   prometheus.Counter
	walletsIssued prometheus.Counter
	auditFailures prometheus.Counter
}

// New builds the collectors. withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by reason.",
		}, []string{"reason"}),
		keysIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_issued_total",
			Help:      "API keys issued by tier.",
		}, []string{"tier"}),
		keysRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_revoked_total",
			Help:      "API keys revoked.",
		}),
		walletsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallets_issued_total",
			Help:      "Agent wallets issued.",
		}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Audit events that could not be delivered.",
		}),
	}
	m.registry.MustRegister(m.admissions, m.keysIssued, m.keysRevoked, m.walletsIssued, m.auditFailures)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Admission(reason string) { m.admissions.WithLabelValues(reason).Inc() }

func (m *Metrics) KeyIssued(tierID string) { m.keysIssued.WithLabelValues(tierID).Inc() }

func (m *Metrics) KeyRevoked() { m.keysRevoked.Inc() }

func (m *Metrics) WalletIssued() { m.walletsIssued.Inc() }

// AuditFailed matches audit.DispatcherOptions.OnFailure.
func (m *Metrics) AuditFailed(error) { m.auditFailures.Inc() }
