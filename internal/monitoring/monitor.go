package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation outcomes recorded by the ledger.
const (
	OutcomeOK         = "ok"
	OutcomeNoop       = "noop"
	OutcomeValidation = "validation"
	OutcomeNotFound   = "not_found"
	OutcomeError      = "error"
)

// Monitor owns the prometheus collectors for the ledger, the store and the
// fan-out managers. A nil *Monitor is valid and records nothing.
type Monitor struct {
	registry *prometheus.Registry

	operations         *prometheus.CounterVec
	driftRepairs       prometheus.Counter
	conflicts          prometheus.Counter
	retriesExhausted   prometheus.Counter
	deliveries         *prometheus.CounterVec
	activeSubs         prometheus.Gauge
	subscriptionEvents *prometheus.CounterVec
	auditRepairs       prometheus.Counter
}

// NewMonitor creates a new monitoring instance on a private registry
func NewMonitor() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Ledger operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		driftRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_drift_repairs_total",
			Help: "Whole-unit drift corrections applied to batches",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_transaction_conflicts_total",
			Help: "Transactions aborted by a concurrent write and retried",
		}),
		retriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_transaction_retries_exhausted_total",
			Help: "Transactions that gave up after the retry bound",
		}),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_deliveries_total",
				Help: "Change feed snapshots delivered to subscribers",
			},
			[]string{"topic"},
		),
		activeSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_active_subscriptions",
			Help: "Batch subscriptions currently held by fan-out managers",
		}),
		subscriptionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_subscription_events_total",
				Help: "Batch subscriptions opened and canceled by fan-out managers",
			},
			[]string{"event"},
		),
		auditRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_repairs_total",
			Help: "Products whose quantity was rewritten by the audit job",
		}),
	}

	m.registry.MustRegister(
		m.operations,
		m.driftRepairs,
		m.conflicts,
		m.retriesExhausted,
		m.deliveries,
		m.activeSubs,
		m.subscriptionEvents,
		m.auditRepairs,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one ledger operation.
func (m *Monitor) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Monitor) RecordDriftRepair() {
	if m == nil {
		return
	}
	m.driftRepairs.Inc()
}

func (m *Monitor) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Monitor) RecordRetriesExhausted() {
	if m == nil {
		return
	}
	m.retriesExhausted.Inc()
}

// RecordDelivery counts a snapshot handed to a feed subscriber.
func (m *Monitor) RecordDelivery(topic string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(topic).Inc()
}

func (m *Monitor) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubs.Inc()
	m.subscriptionEvents.WithLabelValues("opened").Inc()
}

func (m *Monitor) SubscriptionCanceled() {
	if m == nil {
		return
	}
	m.activeSubs.Dec()
	m.subscriptionEvents.WithLabelValues("canceled").Inc()
}

func (m *Monitor) RecordAuditRepair() {
	if m == nil {
		return
	}
	m.auditRepairs.Inc()
}
