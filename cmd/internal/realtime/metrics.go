package realtime

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. It also serves as the hub's DeliveryObserver.
type Metrics struct {
	log *slog.Logger

	Deliveries    *prometheus.CounterVec
	Appended      prometheus.Counter
	TypingChanges prometheus.Counter
	WSRejected    *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors on reg.
// Gauges are read from the registry at scrape time.
func NewMetrics(reg prometheus.Registerer, log *slog.Logger, registry *Registry) *Metrics {
	if log == nil {
		log = slog.Default()
	}
	m := &Metrics{
		log: log,
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "deliveries_total",
			Help:      "Per-session delivery attempts by result.",
		}, []string{"result"}),
		Appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "messages_appended_total",
			Help:      "Messages appended to channel logs.",
		}),
		TypingChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "typing_notifications_total",
			Help:      "Typing snapshots pushed after a change.",
		}),
		WSRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Name:      "ws_rejected_total",
			Help:      "Websocket handshakes rejected by reason.",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m
	}

	reg.MustRegister(m.Deliveries, m.Appended, m.TypingChanges, m.WSRejected)
	if registry != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "murmur",
				Name:      "sessions",
				Help:      "Live websocket sessions.",
			}, func() float64 { return float64(registry.SessionCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "murmur",
				Name:      "online_users",
				Help:      "Distinct users with at least one live session.",
			}, func() float64 { return float64(registry.OnlineCount()) }),
		)
	}
	return m
}

// ObserveDelivery implements DeliveryObserver.
func (m *Metrics) ObserveDelivery(channelID, sessionID string, err error) {
	if err == nil {
		m.Deliveries.WithLabelValues("ok").Inc()
		return
	}

	result := "failed"
	switch {
	case errors.Is(err, ErrBackpressure):
		result = "backpressure"
	case errors.Is(err, ErrSessionClosed):
		result = "closed"
	}
	m.Deliveries.WithLabelValues(result).Inc()
	m.log.Warn("hub.delivery.fail", "channel_id", channelID, "session_id", sessionID, "result", result, "err", err)
}

// ObserveAppend counts a stored message.
func (m *Metrics) ObserveAppend(Message) { m.Appended.Inc() }
