package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taxi_dwh_loader_build_info",
			Help: "Build information of the taxi DWH loader",
		},
		[]string{"version", "commit", "date"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxi_dwh_loader_runs_total",
			Help: "Total number of loader runs by outcome",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taxi_dwh_loader_run_duration_seconds",
			Help:    "Duration of a full loader run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taxi_dwh_loader_stage_duration_seconds",
			Help:    "Duration of each run stage",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"stage"},
	)

	FactRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxi_dwh_loader_fact_rows_total",
			Help: "Fact rows offered to the warehouse by table and outcome",
		},
		[]string{"table", "outcome"},
	)

	DimensionVersionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxi_dwh_loader_dimension_versions_total",
			Help: "Dimension version operations by dimension and action",
		},
		[]string{"dimension", "action"},
	)

	UnmatchedRidesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taxi_dwh_loader_unmatched_rides_total",
			Help: "Completed rides dropped because no waybill covered them",
		},
	)

	SourceQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxi_dwh_loader_source_queries_total",
			Help: "Queries against the operational source store",
		},
		[]string{"status"},
	)
)
