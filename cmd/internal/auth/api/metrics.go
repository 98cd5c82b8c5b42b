package authapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the auth outcome counters. A nil *Metrics records nothing.
type Metrics struct {
	events    *prometheus.CounterVec
	throttled prometheus.Counter
}

// NewMetrics registers the auth counters on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secureapi",
			Subsystem: "auth",
			Name:      "events_total",
			Help:      "Auth events by action and outcome.",
		}, []string{"action", "outcome"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "secureapi",
			Subsystem: "auth",
			Name:      "login_throttled_total",
			Help:      "Login attempts rejected by the per-IP limiter.",
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.throttled} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(action, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) observeThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}
