package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes for the notifications counter.
const (
	outcomeDelivered = "delivered"
	outcomeStored    = "stored"
	outcomeDropped   = "dropped"
)

// Metrics holds the broker's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsOnline     prometheus.Gauge
	SessionsReplaced   prometheus.Counter
	MessagesRouted     prometheus.Counter
	PresenceBroadcasts prometheus.Counter
	DeliveriesDropped  *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
}

// NewMetrics registers the broker collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "sessions_online",
			Help:      "Users with an active session.",
		}),
		SessionsReplaced: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sessions_replaced_total",
			Help:      "Sessions closed because the same user connected again.",
		}),
		MessagesRouted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_routed_total",
			Help:      "Direct messages accepted by the router.",
		}),
		PresenceBroadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "presence_broadcasts_total",
			Help:      "Presence transitions fanned out to online users.",
		}),
		DeliveriesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_dropped_total",
			Help:      "Outbound events dropped because a session queue was full.",
		}, []string{"event"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "notifications_total",
			Help:      "Notifications by delivery outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.SessionsOnline.Set(float64(n))
}

func (m *Metrics) replaced() {
	if m == nil {
		return
	}
	m.SessionsReplaced.Inc()
}

func (m *Metrics) routed() {
	if m == nil {
		return
	}
	m.MessagesRouted.Inc()
}

func (m *Metrics) presence() {
	if m == nil {
		return
	}
	m.PresenceBroadcasts.Inc()
}

func (m *Metrics) dropped(event string) {
	if m == nil {
		return
	}
	m.DeliveriesDropped.WithLabelValues(event).Inc()
}

func (m *Metrics) notification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}
