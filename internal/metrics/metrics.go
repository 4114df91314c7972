// Package metrics holds the arena's prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena"

type Metrics struct {
	registry *prometheus.Registry

	ticks           prometheus.Counter
	eventsPublished prometheus.Counter
	eventsDropped   prometheus.Counter
	commands        *prometheus.CounterVec
	proposals       *prometheus.CounterVec
	proposeLatency  *prometheus.HistogramVec
	activeGames     prometheus.Gauge
	replays         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Logical ticks advanced by local runners.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Game events delivered to at least one subscriber.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Per-subscriber deliveries dropped on a full buffer.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Client commands by outcome.",
		}, []string{"result"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "proposals_total",
			Help:      "Consensus proposals by request kind and result.",
		}, []string{"kind", "result"}),
		proposeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "propose_seconds",
			Help:      "Time from propose to commit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind"}),
		activeGames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "active_games",
			Help:      "Games this server is currently authority for.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "recordings_total",
			Help:      "Finished recordings by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks,
		m.eventsPublished,
		m.eventsDropped,
		m.commands,
		m.proposals,
		m.proposeLatency,
		m.activeGames,
		m.replays,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Ticks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ticks.Add(float64(n))
}

func (m *Metrics) Published(delivered, dropped int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.eventsPublished.Inc()
	}
	if dropped > 0 {
		m.eventsDropped.Add(float64(dropped))
	}
}

// Command records a command outcome: "scheduled" or an error code.
func (m *Metrics) Command(result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result).Inc()
}

func (m *Metrics) Proposal(kind, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(kind, result).Inc()
	m.proposeLatency.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) SetActiveGames(n int) {
	if m == nil {
		return
	}
	m.activeGames.Set(float64(n))
}

func (m *Metrics) Replay(result string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(result).Inc()
}
