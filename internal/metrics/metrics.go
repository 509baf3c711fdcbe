// Package metrics exposes Prometheus collectors for the state, queue,
// mirror and notification layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/notifications"
	"github.com/ambulink/ambulink/internal/state"
)

const namespace = "ambulink"

// Metrics owns a registry and the console collectors. A nil *Metrics is a
// valid no-op observer.
type Metrics struct {
	reg *prometheus.Registry

	writes        *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	pushes        *prometheus.CounterVec
	folds         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	online        prometheus.Gauge
	lastSync      prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "writes_total",
			Help:      "Slice write attempts by origin and outcome.",
		}, []string{"slice", "origin", "outcome"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "flushed_total",
			Help:      "Pending writes replayed from the offline queue.",
		}, []string{"outcome"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "pushes_total",
			Help:      "Slice pushes to the remote mirror.",
		}, []string{"slice", "result"}),
		folds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "folds_total",
			Help:      "Remote collection snapshots folded into local state.",
		}, []string{"slice", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "User-facing notifications by category.",
		}, []string{"category"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Pending writes waiting for connectivity.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while the remote mirror is reachable.",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time of the last successful remote exchange.",
		}),
	}
	m.reg.MustRegister(
		m.writes, m.flushes, m.pushes, m.folds, m.notifications,
		m.queueDepth, m.online, m.lastSync,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveWrite implements state.Observer
func (m *Metrics) ObserveWrite(slice core.SliceName, origin state.Origin, outcome state.Outcome, err error) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(string(slice), string(origin), outcomeLabel(outcome, err)).Inc()
}

// ObserveFlush implements queue.Observer
func (m *Metrics) ObserveFlush(outcome state.Outcome, err error) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(outcomeLabel(outcome, err)).Inc()
}

// ObservePush implements mirror.Observer
func (m *Metrics) ObservePush(slice core.SliceName, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pushes.WithLabelValues(string(slice), result).Inc()
}

// ObserveFold implements mirror.Observer
func (m *Metrics) ObserveFold(slice core.SliceName, outcome state.Outcome) {
	if m == nil {
		return
	}
	m.folds.WithLabelValues(string(slice), outcome.String()).Inc()
}

// ObserveNotification implements notifications.Observer
func (m *Metrics) ObserveNotification(c notifications.Category) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(c)).Inc()
}

// ObserveStatus is a state.StatusListener
func (m *Metrics) ObserveStatus(st core.SystemStatus) {
	if m == nil {
		return
	}
	if st.Online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
	m.queueDepth.Set(float64(st.PendingUpdates))
	if st.LastSync != nil {
		m.lastSync.Set(float64(st.LastSync.Unix()))
	}
}

func outcomeLabel(outcome state.Outcome, err error) string {
	if err != nil {
		return "error"
	}
	return outcome.String()
}
