// Package metrics exposes Prometheus instruments for the messaging core.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "talkie"

// Metrics bundles every instrument the service records.
type Metrics struct {
	messagesAccepted prometheus.Counter
	rejections       *prometheus.CounterVec
	events           *prometheus.CounterVec
	connections      prometheus.Gauge
	onlineUsers      prometheus.Gauge
	broadcastFrames  prometheus.Counter
	upstreamLatency  *prometheus.HistogramVec
	persistRetries   prometheus.Counter
	pushes           *prometheus.CounterVec
	janitorRuns      prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_accepted_total",
			Help:      "Messages that completed the pipeline and were persisted.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected requests by event, error kind and pipeline stage.",
		}, []string{"event", "kind", "stage"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound websocket events by type.",
		}, []string{"type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open websocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one connection or inside the disconnect grace period.",
		}),
		broadcastFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_frames_total",
			Help:      "Frames queued on connections by room broadcasts.",
		}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_seconds",
			Help:      "Latency of collaborator calls.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"collaborator", "outcome"}),
		persistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_retries_total",
			Help:      "Append retries after a failed first attempt.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_notifications_total",
			Help:      "Offline push notifications by outcome.",
		}, []string{"outcome"}),
		janitorRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_runs_total",
			Help:      "Completed janitor sweeps.",
		}),
	}
	reg.MustRegister(
		m.messagesAccepted, m.rejections, m.events, m.connections, m.onlineUsers,
		m.broadcastFrames, m.upstreamLatency, m.persistRetries, m.pushes, m.janitorRuns,
	)
	return m
}

func (m *Metrics) MessageAccepted() {
	if m == nil {
		return
	}
	m.messagesAccepted.Inc()
}

func (m *Metrics) Rejected(event, kind, stage string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(event, kind, stage).Inc()
}

func (m *Metrics) InboundEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// UserStatus is shaped to be used as the presence status callback.
func (m *Metrics) UserStatus(_ string, online bool) {
	if m == nil {
		return
	}
	if online {
		m.onlineUsers.Inc()
	} else {
		m.onlineUsers.Dec()
	}
}

func (m *Metrics) BroadcastFrames(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastFrames.Add(float64(n))
}

// ObserveUpstream records the latency of one collaborator call.
func (m *Metrics) ObserveUpstream(collaborator, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(collaborator, outcome).Observe(d.Seconds())
}

func (m *Metrics) PersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}

func (m *Metrics) Push(outcome string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JanitorRun() {
	if m == nil {
		return
	}
	m.janitorRuns.Inc()
}
