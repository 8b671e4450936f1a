package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Detection service metrics for production monitoring
var (
	// Pipeline metrics
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_pipeline_runs_total",
			Help: "Total number of ensemble pipeline runs",
		},
		[]string{"status"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reims_ai_pipeline_duration_seconds",
			Help:    "Ensemble pipeline duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	// Detector metrics
	DetectorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_detector_runs_total",
			Help: "Total detector runs by method and status",
		},
		[]string{"method", "status"}, // status: ok/insufficient_data/failed
	)

	CandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_candidates_total",
			Help: "Total anomaly candidates emitted by detectors",
		},
		[]string{"method"},
	)

	// Ensemble metrics
	ConsensusAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_consensus_anomalies_total",
			Help: "Total consensus anomalies by final state",
		},
		[]string{"state"}, // ACTIVE/SUPPRESSED
	)

	UnknownDetectorWeightTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_unknown_detector_weight_total",
			Help: "Times a method without a registered weight was combined",
		},
		[]string{"method"},
	)

	ImpactScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reims_ai_impact_score",
			Help:    "Distribution of impact scores attached to consensus anomalies",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	// Model cache metrics
	ModelCacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_model_cache_requests_total",
			Help: "Model cache lookups by model type and result",
		},
		[]string{"model_type", "result"}, // result: hit/miss/expired/corrupt/stale
	)

	ModelTrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reims_ai_model_training_duration_seconds",
			Help:    "Model training duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"model_type"},
	)

	ModelTrainingFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_model_training_failures_total",
			Help: "Total failed model trainings",
		},
		[]string{"model_type"},
	)

	ModelCacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_model_cache_invalidations_total",
			Help: "Cached models deactivated or pruned",
		},
		[]string{"reason"}, // manual/corrupt/stale/prune
	)

	ModelCacheStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_model_cache_store_errors_total",
			Help: "Model cache store operation failures",
		},
		[]string{"operation"},
	)

	ModelCacheBreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reims_ai_model_cache_breaker_transitions_total",
			Help: "Model cache circuit breaker state changes",
		},
		[]string{"store", "to"}, // to: closed/half-open/open
	)
)
