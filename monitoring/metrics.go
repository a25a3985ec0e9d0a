// Package monitoring exposes the agent's own health as Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"time"
)

const namespace = "monti_agent"

type Metrics struct {
	TracesBuilt    *prometheus.CounterVec
	TracesDropped  *prometheus.CounterVec
	TracesArchived *prometheus.CounterVec
	TracesExpired  prometheus.Counter

	AsyncEvents     prometheus.Counter
	FiltersEvicted  prometheus.Counter
	SpoolFailures   prometheus.Counter
	PendingAsync    prometheus.Gauge
	ClockSynced     prometheus.Gauge
	ClockDiffMillis prometheus.Gauge
}

// NewMetrics registers the agent metrics on reg. A nil reg creates an
// unregistered set, which keeps tests and multiple agents independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TracesBuilt: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traces_built_total",
				Help:      "Traces frozen by BuildTrace",
			},
			[]string{"kind"},
		),
		TracesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traces_dropped_total",
				Help:      "Traces discarded before reaching a store",
			},
			[]string{"kind", "reason"},
		),
		TracesArchived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traces_archived_total",
				Help:      "Traces retained for transmission",
			},
			[]string{"kind", "reason"},
		),
		TracesExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traces_expired_total",
				Help:      "Unfinished traces evicted after the live trace TTL",
			},
		),
		AsyncEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_events_total",
				Help:      "Async events attributed to traces",
			},
		),
		FiltersEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filters_evicted_total",
				Help:      "Event filters removed after failing",
			},
		),
		SpoolFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spool_failures_total",
				Help:      "Archived traces that could not be written to the spool",
			},
		),
		PendingAsync: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "async_resources_pending",
				Help:      "Tracked async resources not yet settled",
			},
		),
		ClockSynced: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clock_synced",
				Help:      "1 once the collector clock offset is known",
			},
		),
		ClockDiffMillis: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clock_diff_milliseconds",
				Help:      "Collector time minus local time",
			},
		),
	}
}

func (m *Metrics) RecordClockSync(diff time.Duration) {
	m.ClockSynced.Set(1)
	m.ClockDiffMillis.Set(float64(diff) / float64(time.Millisecond))
}
