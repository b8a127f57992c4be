// Package observability holds the Prometheus instruments of the relay.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the relay's instruments. A nil *Metrics records nothing.
type Metrics struct {
	Turns              *prometheus.CounterVec
	StoreErrors        *prometheus.CounterVec
	CompletionFailures *prometheus.CounterVec
	UnrecognizedInputs *prometheus.CounterVec
	ReplyErrors        prometheus.Counter
	CompletionLatency  prometheus.Histogram
	gatherer           prometheus.Gatherer
}

// NewMetrics registers the instruments with reg, or with the default
// registry when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled turns by outcome (completed, fallback).",
		}, []string{"outcome"}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "History store failures by operation.",
		}, []string{"op"}),
		CompletionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_failures_total",
			Help:      "Completion failures by kind.",
		}, []string{"kind"}),
		UnrecognizedInputs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unrecognized_inputs_total",
			Help:      "Inbound messages without a text surrogate, by message type.",
		}, []string{"type"}),
		ReplyErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_errors_total",
			Help:      "Failed reply API calls.",
		}),
		CompletionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_ms",
			Help:      "Completion backend latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) TurnOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) CompletionFailure(kind string) {
	if m == nil {
		return
	}
	m.CompletionFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) UnrecognizedInput(messageType string) {
	if m == nil {
		return
	}
	m.UnrecognizedInputs.WithLabelValues(messageType).Inc()
}

func (m *Metrics) ReplyError() {
	if m == nil {
		return
	}
	m.ReplyErrors.Inc()
}

func (m *Metrics) ObserveCompletionLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionLatency.Observe(float64(d.Milliseconds()))
}

// Handler exposes the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
