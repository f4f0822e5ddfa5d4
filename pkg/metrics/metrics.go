// Package metrics exposes broker activity as Prometheus series: registry
// sizes are polled on scrape, while session churn and connect hold traffic
// count through broker listeners.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cometwire/halley/pkg/bayeux"
	"github.com/cometwire/halley/pkg/broker"
)

const namespace = "halley"

// Metrics owns a private Prometheus registry instrumenting one broker.
type Metrics struct {
	registry *prometheus.Registry
	detach   []func()
}

// New registers the broker gauges and listener-driven counters. Call Close
// when the broker outlives the metrics.
func New(b *broker.Broker) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Registered Bayeux sessions.",
	}, func() float64 { return float64(b.SessionCount()) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels",
		Help:      "Channels in the registry, including the meta channels.",
	}, func() float64 { return float64(b.ChannelCount()) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "held_connects",
		Help:      "Suspended /meta/connect requests.",
	}, func() float64 { return float64(b.HeldConnects()) }))

	subscriptions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions",
		Help:      "Committed channel subscriptions.",
	})
	sessionsRemoved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_removed_total",
		Help:      "Sessions removed, by reason.",
	}, []string{"reason"})
	suspended := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connects_suspended_total",
		Help:      "Times a /meta/connect was held.",
	})
	resumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connects_resumed_total",
		Help:      "Held /meta/connect completions, by cause.",
	}, []string{"cause"})
	reg.MustRegister(subscriptions, sessionsRemoved, suspended, resumed)

	m := &Metrics{registry: reg}
	m.detach = append(m.detach,
		b.OnSubscribed(func(*broker.Session, *broker.Channel) { subscriptions.Inc() }),
		b.OnUnsubscribed(func(*broker.Session, *broker.Channel) { subscriptions.Dec() }),
		b.OnSessionRemoved(func(_ *broker.Session, timeout bool) {
			reason := "disconnect"
			if timeout {
				reason = "timeout"
			}
			sessionsRemoved.WithLabelValues(reason).Inc()
		}),
		b.OnSuspended(func(*broker.Session, *bayeux.Message, time.Duration) { suspended.Inc() }),
		b.OnResumed(func(_ *broker.Session, _ *bayeux.Message, timedOut bool) {
			cause := "message"
			if timedOut {
				cause = "timeout"
			}
			resumed.WithLabelValues(cause).Inc()
		}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Close detaches the broker listeners.
func (m *Metrics) Close() {
	for _, fn := range m.detach {
		fn()
	}
	m.detach = nil
}
