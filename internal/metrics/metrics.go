// Package metrics exposes signaling activity as Prometheus collectors.
//
// Every method is safe to call on a nil *Metrics, so components can run
// without a registry (tests, one-shot CLI sessions).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/trickle/internal/util"
)

const namespace = "trickle"

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics groups the collectors of one process component.
type Metrics struct {
	sessionsActive     prometheus.Gauge
	sessionsOpened     *prometheus.CounterVec
	sessionsClosed     *prometheus.CounterVec
	messages           *prometheus.CounterVec
	protocolViolations prometheus.Counter
	candidatesBuffered prometheus.Counter
	duplicatesDropped  *prometheus.CounterVec
	renegotiations     prometheus.Counter
	relayRooms         prometheus.Gauge
	relayFrames        prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently negotiating or connected.",
		}),
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions created, by role.",
		}, []string{"role"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason.",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Signaling messages, by direction and type.",
		}, []string{"direction", "type"}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Messages discarded because they were malformed or unexpected.",
		}),
		candidatesBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_buffered_total",
			Help:      "Remote candidates queued until the remote description was applied.",
		}),
		duplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Redelivered messages dropped, by kind.",
		}, []string{"kind"}),
		renegotiations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renegotiations_total",
			Help:      "Negotiation rounds started after the first one.",
		}),
		relayRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rooms_active",
			Help:      "Relay rooms with at least one participant.",
		}),
		relayFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_forwarded_total",
			Help:      "Frames forwarded between participants.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessionsActive,
			m.sessionsOpened,
			m.sessionsClosed,
			m.messages,
			m.protocolViolations,
			m.candidatesBuffered,
			m.duplicatesDropped,
			m.renegotiations,
			m.relayRooms,
			m.relayFrames,
		)
	}
	return m
}

// RegisterStats exports the counters of a util.Stats on reg.
func RegisterStats(reg prometheus.Registerer, s *util.Stats) {
	counter := func(name, help string, load func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(load()) })
	}

	reg.MustRegister(
		counter("sessions_opened_total", "Sessions handed to the supervisor.", s.SessionsOpened.Load),
		counter("sessions_closed_total", "Supervised sessions that ended.", s.SessionsClosed.Load),
		counter("frames_sent_total", "Frames written to signaling channels.", s.MessagesSent.Load),
		counter("frames_received_total", "Frames read from signaling channels.", s.MessagesRecv.Load),
		counter("violations_total", "Frames discarded by the supervisor.", s.Violations.Load),
	)
}

// Handler serves the collectors gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened(role string) {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsOpened.WithLabelValues(role).Inc()
}

// SessionClosed records the end of a session; reason is an error kind or "ok".
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ProtocolViolation() {
	if m == nil {
		return
	}
	m.protocolViolations.Inc()
}

func (m *Metrics) CandidateBuffered() {
	if m == nil {
		return
	}
	m.candidatesBuffered.Inc()
}

func (m *Metrics) DuplicateDropped(kind string) {
	if m == nil {
		return
	}
	m.duplicatesDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) Renegotiation() {
	if m == nil {
		return
	}
	m.renegotiations.Inc()
}

func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.relayRooms.Inc()
}

func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.relayRooms.Dec()
}

func (m *Metrics) FrameForwarded() {
	if m == nil {
		return
	}
	m.relayFrames.Inc()
}
