package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kb_assistant_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"path"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kb_assistant_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		},
		[]string{"stage"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_assistant_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_assistant_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	UserSatisfaction = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_assistant_feedback_total",
			Help: "Feedback events by rating",
		},
		[]string{"rating"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kb_assistant_confidence_score",
			Help:    "Response confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	VectorResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kb_assistant_vector_results_count",
			Help:    "Number of vector results per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_assistant_cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_assistant_cache_misses_total",
			Help: "Total cache misses by tier",
		},
		[]string{"tier"},
	)

	CacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_assistant_cache_writes_total",
			Help: "Cache write attempts by outcome",
		},
		[]string{"outcome"},
	)

	ArbiterRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_assistant_arbiter_runs_total",
			Help: "Arbiter invocations by outcome",
		},
		[]string{"outcome"},
	)

	BackgroundJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_assistant_background_jobs_total",
			Help: "Background job runs by job and status",
		},
		[]string{"job", "status"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(QueryDuration)
		prometheus.MustRegister(StageDuration)
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(UserSatisfaction)
		prometheus.MustRegister(ConfidenceScore)
		prometheus.MustRegister(VectorResultsCount)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(CacheWrites)
		prometheus.MustRegister(ArbiterRuns)
		prometheus.MustRegister(BackgroundJobs)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
