package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry.
type Metrics struct {
	// Counters
	FetchAttempts *prometheus.CounterVec
	Records       *prometheus.CounterVec
	Dropped       *prometheus.CounterVec
	Statements    *prometheus.CounterVec

	// Gauges
	StageDuration *prometheus.GaugeVec
	LastSuccess   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.FetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wfetl",
			Name:      "fetch_attempts_total",
			Help:      "Fetch attempts by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // "success", "error"
	)

	m.Records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wfetl",
			Name:      "records_total",
			Help:      "Records produced by stage and category",
		},
		[]string{"stage", "category"},
	)

	m.Dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wfetl",
			Name:      "records_dropped_total",
			Help:      "Raw records dropped during normalization",
		},
		[]string{"category"},
	)

	m.Statements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wfetl",
			Name:      "statements_total",
			Help:      "Insert statements synthesized by category",
		},
		[]string{"category"},
	)

	m.StageDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wfetl",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of the last run of each stage",
		},
		[]string{"stage"},
	)

	m.LastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wfetl",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that reached done",
		},
	)

	m.registry.MustRegister(
		m.FetchAttempts,
		m.Records,
		m.Dropped,
		m.Statements,
		m.StageDuration,
		m.LastSuccess,
	)
	return m
}

// ObserveAttempt records one fetch attempt; err is nil on success.
func (m *Metrics) ObserveAttempt(endpoint string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.FetchAttempts.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) observeStage(stage State, started time.Time) {
	m.StageDuration.WithLabelValues(string(stage)).Set(time.Since(started).Seconds())
}

// WriteTextfile exports the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
