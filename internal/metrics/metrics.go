// Package metrics exposes Prometheus instrumentation for the networking
// core. The collectors live on an isolated registry so tests and embedders
// never collide with the global default registry. A nil *Metrics is valid
// and turns every recording call into a no-op.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	dials             *prometheus.CounterVec
	messagesSent      prometheus.Counter
	envelopesReceived *prometheus.CounterVec
	heartbeats        *prometheus.CounterVec
	evictions         *prometheus.CounterVec
	openSessions      prometheus.Gauge
	transferBytes     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		dials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipchat_dials_total",
				Help: "Outbound TCP dials by result.",
			},
			[]string{"result"},
		),
		messagesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ipchat_messages_sent_total",
				Help: "Chat messages written to a peer session.",
			},
		),
		envelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipchat_envelopes_received_total",
				Help: "Inbound envelopes by type.",
			},
			[]string{"type"},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipchat_heartbeats_total",
				Help: "Heartbeat writes by result.",
			},
			[]string{"result"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipchat_session_evictions_total",
				Help: "Peer sessions removed from the cache by reason.",
			},
			[]string{"reason"},
		),
		openSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ipchat_open_sessions",
				Help: "Cached outbound peer sessions.",
			},
		),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipchat_transfer_bytes_total",
				Help: "File transfer payload bytes by direction.",
			},
			[]string{"direction"},
		),
	}

	reg.MustRegister(
		m.dials,
		m.messagesSent,
		m.envelopesReceived,
		m.heartbeats,
		m.evictions,
		m.openSessions,
		m.transferBytes,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncDial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
}

func (m *Metrics) IncMessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) IncEnvelopeReceived(envelopeType string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) IncHeartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) IncEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetOpenSessions(n int) {
	if m == nil {
		return
	}
	m.openSessions.Set(float64(n))
}

func (m *Metrics) AddTransferBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}
