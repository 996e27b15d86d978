package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics bundles per-run pipeline metrics.
type Metrics struct {
	Registry *prometheus.Registry

	ObservationsTotal *prometheus.CounterVec
	DecisionsTotal    *prometheus.CounterVec
	FetchFailures     prometheus.Counter
	PersistFailures   prometheus.Counter
	RunDuration       prometheus.Histogram
	FailureRate       prometheus.Gauge
	Healthy           prometheus.Gauge
	QueueDepth        prometheus.Gauge
	LastRunTimestamp  prometheus.Gauge
}

// New constructs metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ObservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealwatch_observations_total",
				Help: "Observations processed by admission result",
			},
			[]string{"result"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealwatch_decisions_total",
				Help: "Policy decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealwatch_fetch_failures_total",
			Help: "Route fetches that failed or timed out",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealwatch_persist_failures_total",
			Help: "Routes aborted because a write could not be persisted",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dealwatch_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		FailureRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealwatch_run_failure_rate",
			Help: "Share of routes that failed in the last run",
		}),
		Healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealwatch_run_healthy",
			Help: "1 when the last run stayed under the failure-rate threshold",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealwatch_night_queue_depth",
			Help: "Deferred alerts waiting for the active window",
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dealwatch_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
	m.Registry.MustRegister(
		m.ObservationsTotal,
		m.DecisionsTotal,
		m.FetchFailures,
		m.PersistFailures,
		m.RunDuration,
		m.FailureRate,
		m.Healthy,
		m.QueueDepth,
		m.LastRunTimestamp,
	)
	return m
}

// Push sends the registry to a Pushgateway. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
