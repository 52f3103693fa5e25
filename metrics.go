package chatsync

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the Prometheus collectors updated by a Client. Each Client
// owns its registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	records      *prometheus.CounterVec
	reactions    *prometheus.CounterVec
	sends        *prometheus.CounterVec
	seenSize     prometheus.GaugeFunc
	pendingChats prometheus.GaugeFunc
}

// NewMetrics creates the collectors. seenLen and requestCount are sampled on
// scrape and may be nil.
func NewMetrics(seenLen, requestCount func() float64) *Metrics {
	if seenLen == nil {
		seenLen = func() float64 { return 0 }
	}
	if requestCount == nil {
		requestCount = func() float64 { return 0 }
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "polls_total",
			Help:      "Poll ticks by outcome.",
		}, []string{"outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "records_total",
			Help:      "Polled records by ingestion outcome.",
		}, []string{"outcome"}),
		reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reactions_total",
			Help:      "Inbound reaction events by resolution.",
		}, []string{"resolution"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Outbound appends by outcome.",
		}, []string{"outcome"}),
		seenSize: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "seen_records",
			Help:      "Record ids held by the seen set.",
		}, seenLen),
		pendingChats: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "pending_requests",
			Help:      "Pending message requests.",
		}, requestCount),
	}
	m.registry.MustRegister(m.polls, m.records, m.reactions, m.sends, m.seenSize, m.pendingChats)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) poll(outcome string)   { m.polls.WithLabelValues(outcome).Inc() }
func (m *Metrics) record(outcome string) { m.records.WithLabelValues(outcome).Inc() }
func (m *Metrics) send(outcome string)   { m.sends.WithLabelValues(outcome).Inc() }

func (m *Metrics) reaction(r Resolution) {
	if r == "" {
		r = "unresolved"
	}
	m.reactions.WithLabelValues(string(r)).Inc()
}
