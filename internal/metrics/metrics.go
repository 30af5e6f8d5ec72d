// Package metrics provides Prometheus metrics for the RoBart servers.
//
// All methods are safe to call on a nil *Metrics, so components can take an
// optional metrics sink without guarding every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "robart"

// Drop reasons.
const (
	DropReasonNoHandler   = "no_handler"
	DropReasonRateLimited = "rate_limited"
	DropReasonQueueFull   = "queue_full"
	DropReasonClosed      = "session_closed"
	DropReasonNotPaired   = "not_paired"
)

// Decode error kinds.
const (
	DecodeKindFraming        = "framing"
	DecodeKindMalformed      = "malformed"
	DecodeKindUnknownType    = "unknown_type"
	DecodeKindSchemaMismatch = "schema_mismatch"
)

// Metrics holds all Prometheus collectors for one process.
type Metrics struct {
	Registry *prometheus.Registry

	sessionsActive    *prometheus.GaugeVec
	sessionsTotal     *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	messagesReceived  *prometheus.CounterVec
	messagesSent      prometheus.Counter
	messagesDropped   *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	handlerPanics     *prometheus.CounterVec
	broadcastsTotal   prometheus.Counter
	pairingsTotal     prometheus.Counter
	relayedTotal      *prometheus.CounterVec
	roleSlotsOccupied prometheus.Gauge
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently connected sessions.",
		}, []string{"transport"}),

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions accepted.",
		}, []string{"transport"}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of closed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 14400},
		}, []string{"transport"}),

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages decoded, by type tag.",
		}, []string{"tag"}),

		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound payloads written to a connection.",
		}),

		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped without delivery, by reason.",
		}, []string{"reason"}),

		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Connections torn down by an undecodable payload, by kind.",
		}, []string{"kind"}),

		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Recovered panics in message handlers, by type tag.",
		}, []string{"tag"}),

		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast operations performed.",
		}),

		pairingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_pairings_total",
			Help:      "Times both signaling role slots became filled.",
		}),

		relayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_relayed_total",
			Help:      "Messages relayed between paired signaling peers, by type tag.",
		}, []string{"tag"}),

		roleSlotsOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signaling_role_slots_occupied",
			Help:      "Number of occupied signaling role slots (0-2).",
		}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionDuration,
		m.messagesReceived,
		m.messagesSent,
		m.messagesDropped,
		m.decodeErrors,
		m.handlerPanics,
		m.broadcastsTotal,
		m.pairingsTotal,
		m.relayedTotal,
		m.roleSlotsOccupied,
	)

	return m
}

// SessionOpened records an accepted session and returns a func to call when
// it closes.
func (m *Metrics) SessionOpened(transport string) func() {
	if m == nil {
		return func() {}
	}
	m.sessionsTotal.WithLabelValues(transport).Inc()
	m.sessionsActive.WithLabelValues(transport).Inc()
	start := time.Now()
	return func() {
		m.sessionsActive.WithLabelValues(transport).Dec()
		m.sessionDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	}
}

// MessageReceived counts a decoded inbound message. tag must come from the
// message registry so label cardinality stays bounded.
func (m *Metrics) MessageReceived(tag string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(tag).Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) HandlerPanic(tag string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(tag).Inc()
}

func (m *Metrics) Broadcast() {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
}

func (m *Metrics) Pairing() {
	if m == nil {
		return
	}
	m.pairingsTotal.Inc()
}

func (m *Metrics) Relayed(tag string) {
	if m == nil {
		return
	}
	m.relayedTotal.WithLabelValues(tag).Inc()
}

// SetRoleSlotsOccupied reports how many signaling role slots are filled.
func (m *Metrics) SetRoleSlotsOccupied(n int) {
	if m == nil {
		return
	}
	m.roleSlotsOccupied.Set(float64(n))
}
