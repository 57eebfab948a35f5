// Package metrics records relay metrics in a Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pgdump_relay"

// Recorder defines the interface used by the HTTP surface to record metrics.
type Recorder interface {
	ObserveRequest(route, outcome string)
	DumpStarted()
	DumpFinished(res *models.DumpResult)
}

// Metrics holds the relay collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	// requestsTotal counts requests by route and outcome (ok or a deny reason).
	requestsTotal *prometheus.CounterVec

	// dumpsInProgress tracks dumps currently streaming.
	dumpsInProgress prometheus.Gauge

	// dumpBytesTotal counts artifact bytes delivered to callers.
	dumpBytesTotal *prometheus.CounterVec

	// dumpDurationSeconds observes the wall time of each dump.
	dumpDurationSeconds *prometheus.HistogramVec

	// dumpsTotal counts finished dumps by outcome.
	dumpsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, in a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests by route and outcome",
			},
			[]string{"route", "outcome"},
		),
		dumpsInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dumps_in_progress",
				Help:      "Number of dumps currently streaming",
			},
		),
		dumpBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dump_bytes_total",
				Help:      "Total number of dump bytes delivered to callers",
			},
			[]string{"db"},
		),
		dumpDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dump_duration_seconds",
				Help:      "Duration of dumps in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"db"},
		),
		dumpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dumps_total",
				Help:      "Total number of finished dumps by result",
			},
			[]string{"db", "result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.dumpsInProgress,
		m.dumpBytesTotal,
		m.dumpDurationSeconds,
		m.dumpsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest counts a request.
func (m *Metrics) ObserveRequest(route, outcome string) {
	m.requestsTotal.WithLabelValues(route, outcome).Inc()
}

// DumpStarted marks a dump as streaming.
func (m *Metrics) DumpStarted() {
	m.dumpsInProgress.Inc()
}

// DumpFinished records a finished dump.
func (m *Metrics) DumpFinished(res *models.DumpResult) {
	m.dumpsInProgress.Dec()
	if res == nil {
		return
	}
	m.dumpBytesTotal.WithLabelValues(res.Database).Add(float64(res.BytesSent))
	m.dumpDurationSeconds.WithLabelValues(res.Database).Observe(res.Duration.Seconds())
	m.dumpsTotal.WithLabelValues(res.Database, string(res.Outcome)).Inc()
}
