package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	sessionsActive      prometheus.Gauge
	identitiesOnline    prometheus.Gauge
	presenceTransitions *prometheus.CounterVec
	deliveries          *prometheus.CounterVec
	reaped              prometheus.Counter
	messagesPersisted   prometheus.Counter
	persistFailures     prometheus.Counter
	signalsRelayed      *prometheus.CounterVec
	actionsRejected     *prometheus.CounterVec
	authFailures        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tars_ws_sessions_active",
			Help: "Websocket sessions currently attached to the hub.",
		}),
		identitiesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tars_presence_identities_online",
			Help: "Identities with at least one live session.",
		}),
		presenceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tars_presence_transitions_total",
			Help: "Online/offline transitions by kind (join, leave).",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tars_hub_deliveries_total",
			Help: "Envelopes enqueued to sessions by envelope type.",
		}, []string{"type"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tars_hub_sessions_reaped_total",
			Help: "Sessions closed because their send queue was full.",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tars_messages_persisted_total",
			Help: "Direct messages accepted by the message store.",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tars_messages_persist_failures_total",
			Help: "Direct messages the store failed to persist.",
		}),
		signalsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tars_signals_relayed_total",
			Help: "WebRTC signaling envelopes relayed by kind.",
		}, []string{"kind"}),
		actionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tars_ws_actions_rejected_total",
			Help: "Client actions answered with an error envelope, by code.",
		}, []string{"code"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tars_ws_auth_failures_total",
			Help: "Upgrade requests refused before the handshake, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessionsActive,
			m.identitiesOnline,
			m.presenceTransitions,
			m.deliveries,
			m.reaped,
			m.messagesPersisted,
			m.persistFailures,
			m.signalsRelayed,
			m.actionsRejected,
			m.authFailures,
		)
	}
	return m
}

func (m *Metrics) setPresence(sessions, identities int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(sessions))
	m.identitiesOnline.Set(float64(identities))
}

func (m *Metrics) presenceTransition(kind string) {
	if m == nil {
		return
	}
	m.presenceTransitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) delivered(typ string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(typ).Inc()
}

func (m *Metrics) sessionReaped() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}

func (m *Metrics) messagePersisted() {
	if m == nil {
		return
	}
	m.messagesPersisted.Inc()
}

func (m *Metrics) persistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) signalRelayed(kind string) {
	if m == nil {
		return
	}
	m.signalsRelayed.WithLabelValues(kind).Inc()
}

func (m *Metrics) actionRejected(code string) {
	if m == nil {
		return
	}
	m.actionsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) authFailed(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}
