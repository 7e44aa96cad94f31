package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API metrics
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cirforge_api_request_duration_seconds",
			Help:    "Batch API request duration in seconds by operation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"operation", "status"}, // operation: "upload"/"create"/"status"/"content"
	)

	// Job metrics
	jobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cirforge_batch_jobs_total",
			Help: "Batch jobs by stage and final status",
		},
		[]string{"stage", "status"}, // status: "completed"/"failed"/"submit_failed"
	)

	outstandingJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cirforge_outstanding_jobs",
			Help: "Jobs submitted but not yet terminal",
		},
		[]string{"stage"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cirforge_stage_duration_seconds",
			Help:    "Wall time of a stage from build to merge",
			Buckets: prometheus.ExponentialBuckets(1, 2, 18), // 1s to ~36h
		},
		[]string{"stage"},
	)

	// Merge metrics
	mergeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cirforge_merged_lines_total",
			Help: "Result lines processed by outcome",
		},
		[]string{"stage", "outcome"}, // outcome: "merged"/"malformed"/"unresolved"/"failed"
	)

	// Post-processing metrics
	sentenceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cirforge_caption_sentences_total",
			Help: "Caption sentences kept or discarded by the grammar filter",
		},
		[]string{"outcome"},
	)
)

// Collector provides convenience methods for recording metrics.
// A nil Collector records nothing.
type Collector struct{}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordAPIRequest records a Batch API request duration
func (c *Collector) RecordAPIRequest(operation string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	apiRequestDuration.WithLabelValues(operation, status(success)).Observe(duration.Seconds())
}

// RecordJob counts a job reaching its final state
func (c *Collector) RecordJob(stage, jobStatus string) {
	if c == nil {
		return
	}
	jobOutcomes.WithLabelValues(stage, jobStatus).Inc()
}

// SetOutstandingJobs sets the number of non-terminal jobs of a stage
func (c *Collector) SetOutstandingJobs(stage string, n int) {
	if c == nil {
		return
	}
	outstandingJobs.WithLabelValues(stage).Set(float64(n))
}

// RecordStage records the duration of a stage
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// AddMergeOutcome adds n result lines with the given outcome
func (c *Collector) AddMergeOutcome(stage, outcome string, n int) {
	if c == nil || n == 0 {
		return
	}
	mergeOutcomes.WithLabelValues(stage, outcome).Add(float64(n))
}

// AddSentences records kept and discarded caption sentences
func (c *Collector) AddSentences(kept, discarded int) {
	if c == nil {
		return
	}
	sentenceOutcomes.WithLabelValues("kept").Add(float64(kept))
	sentenceOutcomes.WithLabelValues("discarded").Add(float64(discarded))
}
