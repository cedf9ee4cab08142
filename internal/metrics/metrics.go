// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aero_signal_relay"

// Drop reasons used as the "reason" label on MessagesDropped.
const (
	DropReasonMalformed      = "malformed"
	DropReasonMissingSender  = "missing_sender"
	DropReasonSenderMismatch = "sender_mismatch"
	DropReasonNoRoom         = "no_room"
	DropReasonUnknownTarget  = "unknown_target"
	DropReasonUnknownType    = "unknown_type"
	DropReasonBackpressure   = "backpressure"
	DropReasonRateLimited    = "rate_limited"
)

// Metrics owns a private registry so tests can construct independent
// instances without colliding on the global default registerer.
type Metrics struct {
	reg *prometheus.Registry

	ActiveRooms    prometheus.Gauge
	ActiveSessions prometheus.Gauge

	SessionsTotal   prometheus.Counter
	MessagesRouted  *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec

	BackpressureDisconnects prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		ActiveRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one joined session.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently connected client sessions.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total client sessions accepted since start.",
		}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Signaling messages delivered, by envelope type.",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Signaling messages dropped, by reason.",
		}, []string{"reason"}),
		BackpressureDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_disconnects_total",
			Help:      "Sessions closed because their send queue overflowed.",
		}),
	}
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
