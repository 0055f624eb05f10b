package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateways. Each
// instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry
	latency  *latencyTracker

	ActiveConnections *prometheus.GaugeVec
	ConnectionEvents  *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	Utterances        *prometheus.CounterVec
	SynthesisTasks    *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		latency:  newLatencyTracker(256),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open client websocket connections.",
		}, []string{"service"}),
		ConnectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by service and event.",
		}, []string{"service", "event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by service, direction and type.",
		}, []string{"service", "direction", "type"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and error kind.",
		}, []string{"provider", "kind"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Synthesis cache lookups by result.",
		}, []string{"result"}),
		Utterances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Transcribed utterances sent to clients by provider.",
		}, []string{"provider"}),
		SynthesisTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_tasks_total",
			Help:      "Synthesis tasks by outcome.",
		}, []string{"outcome"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from synthesis request to first audio chunk in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
	}
}

// ObserveFirstAudioLatency feeds both the histogram and the provider's
// latency window.
func (m *Metrics) ObserveFirstAudioLatency(provider string, d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.ObserveLatency(provider, StageFirstAudio, d)
}

func (m *Metrics) ObserveLatency(provider string, stage Stage, d time.Duration) {
	m.latency.add(provider, stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.latency.snapshot()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
