// Package metrics exposes Prometheus metrics for the state manager, the
// autonomous cycle and the websocket push.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/kairos/internal/ksm"
	"github.com/rewired-gh/kairos/internal/models"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// State metrics
	Tickets         prometheus.Gauge
	FireSignals     prometheus.Gauge
	QueueLength     prometheus.Gauge
	Won             prometheus.Gauge
	Lost            prometheus.Gauge
	ActivityEntries prometheus.Gauge
	SystemState     *prometheus.GaugeVec
	Notifications   prometheus.Counter

	// Autonomous metrics
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	AuditedTickets  prometheus.Counter
	ScoutedTickets  prometheus.Counter
	CycleItemErrors prometheus.Counter

	// Push metrics
	WSClients prometheus.Gauge
}

// New creates a Metrics instance on its own registry, including the Go
// runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "kairos"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Tickets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "tickets",
			Help:      "Number of tickets in the store",
		}),
		FireSignals: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "fire_signals",
			Help:      "Number of tickets flagged as fire signals",
		}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "queue_length",
			Help:      "Number of PENDING tickets",
		}),
		Won: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "won_tickets",
			Help:      "Number of WON tickets",
		}),
		Lost: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "lost_tickets",
			Help:      "Number of LOST tickets",
		}),
		ActivityEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "activity_entries",
			Help:      "Number of retained activity entries",
		}),
		SystemState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "system_state",
			Help:      "1 for the current system state, 0 otherwise",
		}, []string{"state"}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "notifications_total",
			Help:      "Total number of state change notifications",
		}),

		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autonomous",
			Name:      "cycles_total",
			Help:      "Total number of autonomous cycles by result",
		}, []string{"result"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "autonomous",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of autonomous cycles",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		AuditedTickets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autonomous",
			Name:      "audited_tickets_total",
			Help:      "Total number of tickets settled by post-mortem",
		}),
		ScoutedTickets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autonomous",
			Name:      "scouted_tickets_total",
			Help:      "Total number of tickets created by scouting",
		}),
		CycleItemErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autonomous",
			Name:      "item_errors_total",
			Help:      "Total number of per-item failures inside cycles",
		}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "websocket_clients",
			Help:      "Number of connected websocket clients",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Attach subscribes to mgr and refreshes the state gauges after every
// mutation. It returns the unsubscribe function.
func (m *Metrics) Attach(mgr *ksm.Manager) func() {
	m.refresh(mgr)
	return mgr.Subscribe(func() {
		m.Notifications.Inc()
		m.refresh(mgr)
	})
}

func (m *Metrics) refresh(mgr *ksm.Manager) {
	st := mgr.GetStats()
	m.Tickets.Set(float64(st.TotalTickets))
	m.FireSignals.Set(float64(st.FireSignals))
	m.QueueLength.Set(float64(st.QueueLength))
	m.Won.Set(float64(st.Won))
	m.Lost.Set(float64(st.Lost))
	m.ActivityEntries.Set(float64(len(mgr.GetActivityLog())))

	current := mgr.GetSystemState()
	for _, s := range models.AllStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.SystemState.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveCycle records the outcome of one autonomous cycle.
func (m *Metrics) ObserveCycle(report models.CycleReport, took time.Duration, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "skipped"
	case len(report.Errors) > 0:
		result = "partial"
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	if err != nil {
		return
	}
	m.CycleDuration.Observe(took.Seconds())
	m.AuditedTickets.Add(float64(report.AuditedCount))
	m.ScoutedTickets.Add(float64(report.NewSignalCount))
	m.CycleItemErrors.Add(float64(len(report.Errors)))
}
