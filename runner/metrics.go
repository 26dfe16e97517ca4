package runner

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the runner's prometheus collectors.
type Metrics struct {
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	steps       *prometheus.HistogramVec
	running     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eol_runs_total",
				Help: "Finished test runs by suite and outcome.",
			},
			[]string{"suite", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eol_run_duration_seconds",
				Help:    "Duration of recorded test runs.",
				Buckets: prometheus.LinearBuckets(30, 15, 12),
			},
			[]string{"suite"},
		),
		steps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eol_step_duration_seconds",
				Help:    "Duration of test steps by step and outcome.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"step", "outcome"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eol_test_running",
			Help: "1 while a test is running.",
		}),
	}
	reg.MustRegister(m.runs, m.runDuration, m.steps, m.running)
	return m
}
