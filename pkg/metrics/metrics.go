package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matview_build_info",
			Help: "Build information of the materialized view engine",
		},
		[]string{"version", "commit", "date"},
	)

	ViewBuildTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_view_build_total",
			Help: "Total number of view builds by model and result",
		},
		[]string{"model", "result"},
	)

	ViewBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matview_view_build_duration_seconds",
			Help:    "Duration of view builds (create, index, swap)",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"model"},
	)

	FieldSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_field_skipped_total",
			Help: "Total number of filterable fields skipped during schema compilation",
		},
		[]string{"model"},
	)

	IndexCreateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_index_create_total",
			Help: "Total number of index creation attempts by kind and result",
		},
		[]string{"kind", "result"},
	)

	RetiredViewDropTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_retired_view_drop_total",
			Help: "Total number of retired view drops by result",
		},
		[]string{"result"},
	)

	ViewRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_view_refresh_total",
			Help: "Total number of refresh attempts by model and result",
		},
		[]string{"model", "result"},
	)

	ViewRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matview_view_refresh_duration_seconds",
			Help:    "Duration of concurrent view refreshes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"model"},
	)

	SchedulersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matview_refresh_schedulers_running",
			Help: "Number of running per-tenant refresh schedulers",
		},
	)

	AuditTenantsNeedingBuild = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matview_audit_tenants_needing_build",
			Help: "Number of tenants found missing at least one view in the last audit",
		},
	)

	AuditRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_audit_runs_total",
			Help: "Total number of catalog audits by result",
		},
		[]string{"result"},
	)
)
