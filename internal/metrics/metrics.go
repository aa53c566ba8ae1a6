// Package metrics exposes Prometheus collectors for request dispatch and
// WebSocket channel activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes used as the "outcome" label value.
const (
	OutcomeMatched   = "matched"
	OutcomeUnmatched = "unmatched"
	OutcomePreflight = "preflight"
	OutcomeUpgraded  = "upgraded"
	OutcomeError     = "error"
)

// Metrics holds the collectors and the registry they are registered with.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	openChannels     prometheus.Gauge
	channelMessages  *prometheus.CounterVec
	registry         *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "switchyard"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of dispatched requests by routing key and outcome",
		},
		[]string{"method", "outcome"},
	)

	m.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching a request, handler included",
			Buckets: []float64{
				.0005, .001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5,
			},
		},
		[]string{"method", "outcome"},
	)

	m.openChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_channels",
			Help:      "Number of open WebSocket channels",
		},
	)

	m.channelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_total",
			Help:      "WebSocket messages by direction (in, out, dropped)",
		},
		[]string{"direction"},
	)

	m.registry.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.openChannels,
		m.channelMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveDispatch records one finished dispatch.
func (m *Metrics) ObserveDispatch(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(method, outcome).Inc()
	m.dispatchDuration.WithLabelValues(method, outcome).Observe(elapsed.Seconds())
}

// ChannelOpened increments the open channel gauge.
func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.openChannels.Inc()
}

// ChannelClosed decrements the open channel gauge.
func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.openChannels.Dec()
}

// ChannelMessage counts a message in the given direction.
func (m *Metrics) ChannelMessage(direction string) {
	if m == nil {
		return
	}
	m.channelMessages.WithLabelValues(direction).Inc()
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
