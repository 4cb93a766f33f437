// Package metrics exposes Prometheus collectors for the ingestion pipeline.
//
// All methods are safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tldrer"

// Outcome labels for RPC calls.
const (
	OutcomeOK        = "ok"
	OutcomeRPCError  = "rpc_error"
	OutcomeCancelled = "cancelled"
	OutcomeClosed    = "closed"
)

// Metrics groups every collector the service registers.
type Metrics struct {
	rpcCalls        *prometheus.CounterVec
	rpcPending      prometheus.Gauge
	linesDropped    prometheus.Counter
	unmatched       prometheus.Counter
	eventsApplied   *prometheus.CounterVec
	envelopesDrop   *prometheus.CounterVec
	storeFailures   prometheus.Counter
	handlerFailures prometheus.Counter
	wsClients       prometheus.Gauge
	indexSize       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. When reg is also a
// prometheus.Gatherer, Handler serves it.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Outbound RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending_calls",
			Help:      "Outbound RPC calls awaiting a response.",
		}),
		linesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_lines_dropped_total",
			Help:      "Inbound lines that could not be decoded.",
		}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_unmatched_responses_total",
			Help:      "Responses that matched no pending call.",
		}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Canonical events applied to the message store, by kind.",
		}, []string{"kind"}),
		envelopesDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Inbound envelopes that produced no event, by reason.",
		}, []string{"reason"}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Store mutations rolled back after an error.",
		}),
		handlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_handler_failures_total",
			Help:      "Listener invocations that returned an error or panicked.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected event stream clients.",
		}),
		indexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_index_entries",
			Help:      "Names in the current conversation index.",
		}),
	}

	reg.MustRegister(
		m.rpcCalls, m.rpcPending, m.linesDropped, m.unmatched,
		m.eventsApplied, m.envelopesDrop, m.storeFailures,
		m.handlerFailures, m.wsClients, m.indexSize,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.rpcPending.Inc()
}

func (m *Metrics) CallFinished(method, outcome string) {
	if m == nil {
		return
	}
	m.rpcPending.Dec()
	m.rpcCalls.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) LineDropped() {
	if m == nil {
		return
	}
	m.linesDropped.Inc()
}

func (m *Metrics) UnmatchedResponse() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

func (m *Metrics) EventApplied(kind string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(kind).Inc()
}

func (m *Metrics) EnvelopeDropped(reason string) {
	if m == nil {
		return
	}
	m.envelopesDrop.WithLabelValues(reason).Inc()
}

func (m *Metrics) StoreFailure() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

func (m *Metrics) HandlerFailure() {
	if m == nil {
		return
	}
	m.handlerFailures.Inc()
}

func (m *Metrics) SetWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

func (m *Metrics) SetIndexSize(n int) {
	if m == nil {
		return
	}
	m.indexSize.Set(float64(n))
}
