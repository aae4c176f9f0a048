package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georelay_publishes_total",
		Help: "Coordinate updates accepted for fan-out.",
	})

	droppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "georelay_dropped_sends_total",
		Help: "Updates dropped because a subscriber buffer was full.",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "georelay_active_sessions",
		Help: "Sessions with at least one open subscriber.",
	})

	activeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "georelay_active_subscribers",
		Help: "Open subscriber connections.",
	})
)
