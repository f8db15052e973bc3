package subscription

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event application outcomes recorded in the events counter.
const (
	outcomeApplied   = "applied"
	outcomeIgnored   = "ignored"
	outcomeDuplicate = "duplicate"
	outcomeMissing   = "not_found"
	outcomeStale     = "stale"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

type metrics struct {
	events          *prometheus.CounterVec
	commands        *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	projections     *prometheus.CounterVec
	expired         prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "provider_events_total",
			Help:      "Provider webhook events by kind and outcome",
		}, []string{"kind", "outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "commands_total",
			Help:      "User-initiated billing commands by name and result",
		}, []string{"command", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of calls to the payment provider",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		projections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "tier_projections_total",
			Help:      "User tier projection writes by result",
		}, []string{"result"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "subscriptions_expired_total",
			Help:      "Subscriptions moved to expired by the sweeper",
		}),
	}
	reg.MustRegister(m.events, m.commands, m.providerLatency, m.projections, m.expired)
	return m
}

func (m *metrics) event(kind EventKind, outcome string) {
	m.events.WithLabelValues(string(kind), outcome).Inc()
}

func (m *metrics) command(name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(name, result).Inc()
}

func (m *metrics) observeProvider(op string, started time.Time) {
	m.providerLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
