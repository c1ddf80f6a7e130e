// Package metrics owns the Prometheus collectors for sessions and transports.
//
// All methods are safe on a nil *Metrics so callers never need to guard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sockjs"

// Poll outcomes.
const (
	PollData     = "data"
	PollTimeout  = "timeout"
	PollClosed   = "closed"
	PollConflict = "conflict"
	PollAborted  = "aborted"
)

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	sessionsOpen    prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	messagesQueued  prometheus.Counter
	polls           *prometheus.CounterVec
	frames          *prometheus.CounterVec
}

// New builds a Metrics with its own registry. Process and Go collectors are included.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Sessions currently held in the registry.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created on first reference.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason.",
		}, []string{"reason"}),
		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "Messages appended to session queues.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Blocking reads by transport and outcome.",
		}, []string{"transport", "outcome"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_written_total",
			Help:      "Frames written to peers by transport and kind.",
		}, []string{"transport", "kind"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsOpen,
		m.sessionsCreated,
		m.sessionsClosed,
		m.messagesQueued,
		m.polls,
		m.frames,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SessionCreated records a new registry entry.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.sessionsOpen.Inc()
}

// SessionClosed records an eviction.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.sessionsOpen.Dec()
}

// MessagesQueued records n appended messages.
func (m *Metrics) MessagesQueued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesQueued.Add(float64(n))
}

// Poll records the outcome of one blocking read.
func (m *Metrics) Poll(transport, outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(transport, outcome).Inc()
}

// Frame records one frame written to a peer.
func (m *Metrics) Frame(transport, kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(transport, kind).Inc()
}
