// Package metrics exposes Prometheus metrics of fetches and submissions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one server instance.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	fetchTotal              *prometheus.CounterVec
	submitTotal             *prometheus.CounterVec
	submitDurationSeconds   prometheus.Histogram
	submitStageTransitions  *prometheus.CounterVec
	descriptorCacheRequests *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_creator_fetch_total",
				Help: "Total number of descriptor fetches per result severity",
			},
			[]string{"severity"},
		),
		submitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_creator_submit_total",
				Help: "Total number of submissions per result severity",
			},
			[]string{"severity"},
		),
		submitDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalog_creator_submit_duration_seconds",
				Help:    "Duration of submissions in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		submitStageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_creator_submit_stage_transitions_total",
				Help: "Total number of submission stage transitions",
			},
			[]string{"from_stage", "to_stage"},
		),
		descriptorCacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_creator_descriptor_cache_requests_total",
				Help: "Total number of descriptor cache lookups per result",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(
		m.fetchTotal,
		m.submitTotal,
		m.submitDurationSeconds,
		m.submitStageTransitions,
		m.descriptorCacheRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(severity string) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) ObserveSubmit(severity string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitTotal.WithLabelValues(severity).Inc()
	m.submitDurationSeconds.Observe(d.Seconds())
}

func (m *Metrics) ObserveStageTransition(from, to string) {
	if m == nil {
		return
	}
	m.submitStageTransitions.WithLabelValues(from, to).Inc()
}

// ObserveCacheLookup counts descriptor cache hits and misses.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.descriptorCacheRequests.WithLabelValues(result).Inc()
}
