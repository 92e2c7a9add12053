package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome",
		},
		[]string{"mode", "outcome"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solver_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solver_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage", "status"},
	)

	ReviewFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_review_flags_total",
			Help: "Human review signals raised, by reason",
		},
		[]string{"reason"},
	)

	// Recall metrics
	RecallLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_recall_lookups_total",
			Help: "Recall lookups by source and status",
		},
		[]string{"source", "status"},
	)

	FeedbackUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_feedback_updates_total",
			Help: "Feedback updates applied to recall entries",
		},
		[]string{"feedback", "status"},
	)

	// Completion metrics
	CompletionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_completion_requests_total",
			Help: "Completion service requests by status",
		},
		[]string{"model", "status"},
	)

	CompletionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solver_completion_latency_seconds",
			Help:    "Completion service latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	// Vector and embedding metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_vector_searches_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solver_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solver_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Streaming metrics
	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solver_stream_events_total",
			Help: "Progress events delivered to stream consumers",
		},
		[]string{"type"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "solver_active_streams",
			Help: "Streams currently in flight",
		},
	)
)

// RecordPipelineRun records a finished pipeline run
func RecordPipelineRun(mode, outcome string, durationSeconds float64) {
	PipelineRuns.WithLabelValues(mode, outcome).Inc()
	PipelineDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordStage records one stage execution
func RecordStage(stage, status string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage, status).Observe(durationSeconds)
}

// RecordReviewFlag counts a raised review reason
func RecordReviewFlag(reason string) {
	ReviewFlags.WithLabelValues(reason).Inc()
}

// RecordRecallLookup counts a recall lookup against one source
func RecordRecallLookup(source, status string) {
	RecallLookups.WithLabelValues(source, status).Inc()
}

// RecordFeedback counts a feedback write
func RecordFeedback(feedback, status string) {
	FeedbackUpdates.WithLabelValues(feedback, status).Inc()
}

// RecordCompletion records a completion service call
func RecordCompletion(model, status string, durationSeconds float64) {
	CompletionRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		CompletionLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordStreamEvent counts an event handed to a stream consumer
func RecordStreamEvent(eventType string) {
	StreamEvents.WithLabelValues(eventType).Inc()
}
