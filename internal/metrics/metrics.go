// Package metrics holds the bot's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is registered against a caller-supplied registry so tests can
// build as many as they like.
type Metrics struct {
	Commands      *prometheus.CounterVec
	Runs          *prometheus.CounterVec
	Confirmations *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvalbot_commands_total",
				Help: "Operator commands received",
			},
			[]string{"command"},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvalbot_runs_total",
				Help: "Runbook executions by outcome",
			},
			[]string{"command", "outcome"},
		),
		Confirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvalbot_confirmations_total",
				Help: "Pending requests by how they were resolved",
			},
			[]string{"resolution"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "approvalbot_run_duration_seconds",
				Help:    "Runbook execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Commands, m.Runs, m.Confirmations, m.RunDuration)
	}
	return m
}
