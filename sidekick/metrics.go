package sidekick

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sidekick_sessions",
		Help: "Number of live broker sessions.",
	})

	topicsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sidekick_topics",
		Help: "Number of active topics (resource and channel/params combined).",
	})

	tokensGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sidekick_tokens",
		Help: "Number of connection tokens registered with the broker.",
	})

	droppedSessionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sidekick_dropped_sessions_total",
		Help: "Total number of sessions dropped for exceeding their outbound queue high-water mark.",
	})
)

func init() {
	prometheus.MustRegister(sessionsGauge)
	prometheus.MustRegister(topicsGauge)
	prometheus.MustRegister(tokensGauge)
	prometheus.MustRegister(droppedSessionsCounter)
}
