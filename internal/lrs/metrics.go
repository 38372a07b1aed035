package lrs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	StatementsStored      *prometheus.CounterVec
	StatementStoreLatency *prometheus.HistogramVec
	StatementsRead        *prometheus.CounterVec
	DocumentOps           *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		StatementsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lrs_statements_stored_total",
				Help: "Total statement store attempts.",
			},
			[]string{"status"},
		),
		StatementStoreLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lrs_statement_store_latency_seconds",
				Help:    "Statement store latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		StatementsRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lrs_statement_reads_total",
				Help: "Total statement read requests served.",
			},
			[]string{"kind"},
		),
		DocumentOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lrs_document_ops_total",
				Help: "Total document resource operations.",
			},
			[]string{"resource", "op", "status"},
		),
	}

	registry.MustRegister(
		m.StatementsStored,
		m.StatementStoreLatency,
		m.StatementsRead,
		m.DocumentOps,
	)
	return m
}
