// ABOUTME: Prometheus instrumentation shared by the real-time hub components
// ABOUTME: Constructed against an explicit registry so tests get isolation

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the hub exports. A single instance is built
// at startup and shared; components treat a nil *Metrics as "metrics off".
type Metrics struct {
	EventsPublished  *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	BusSubscribers   prometheus.Gauge

	TypingUsers       prometheus.Gauge
	TypingRateLimited prometheus.Counter

	OnlineUsers *prometheus.GaugeVec

	PendingEscalations prometheus.Gauge
	EscalationsTotal   *prometheus.CounterVec

	NotificationsSent *prometheus.CounterVec

	CallSessions     prometheus.Gauge
	CallsBridged     prometheus.Counter
	RejectedUpgrades prometheus.Counter
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer for
// production or a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buzzi_bus_events_published_total",
			Help: "Events published on the in-process bus, by event type",
		}, []string{"type"}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "buzzi_bus_delivery_failures_total",
			Help: "Subscriber callbacks that panicked during delivery",
		}),
		BusSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buzzi_bus_subscribers",
			Help: "Current number of live bus subscriptions",
		}),
		TypingUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buzzi_typing_users",
			Help: "Users currently marked as typing across all conversations",
		}),
		TypingRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "buzzi_typing_rate_limited_total",
			Help: "startTyping calls suppressed by the per-user rate limit",
		}),
		OnlineUsers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "buzzi_presence_online_users",
			Help: "Users currently online, by scope kind (company or conversation)",
		}, []string{"scope"}),
		PendingEscalations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buzzi_escalations_pending",
			Help: "Conversations currently waiting for a human agent",
		}),
		EscalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buzzi_escalations_total",
			Help: "Escalations enqueued, by reason",
		}, []string{"reason"}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "buzzi_notifications_sent_total",
			Help: "Real-time notifications dispatched, by type",
		}, []string{"type"}),
		CallSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buzzi_call_sessions",
			Help: "Call sessions currently tracked by the signaling server",
		}),
		CallsBridged: factory.NewCounter(prometheus.CounterOpts{
			Name: "buzzi_calls_bridged_total",
			Help: "Call sessions that reached the bridged state",
		}),
		RejectedUpgrades: factory.NewCounter(prometheus.CounterOpts{
			Name: "buzzi_rejected_upgrades_total",
			Help: "Connection upgrade attempts destroyed for unknown paths or bad credentials",
		}),
	}
}
