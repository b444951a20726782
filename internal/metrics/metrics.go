package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sam_model_load_duration_seconds",
		Help:    "Time spent loading and validating model weights",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	ModelTensors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sam_model_tensors",
		Help: "Number of weight tensors held by the most recently loaded model",
	})

	EncodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sam_image_encode_duration_seconds",
		Help:    "Duration of image encoder passes",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sam_mask_decode_duration_seconds",
		Help:    "Duration of prompt encoding, mask decoding and post-processing",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sam_stage_duration_seconds",
		Help:    "Histogram of per-stage execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	MasksEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sam_masks_emitted_total",
		Help: "Masks returned to callers after filtering",
	})

	MasksFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sam_masks_filtered_total",
		Help: "Candidate masks discarded by post-processing",
	}, []string{"reason"})

	EmptyResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sam_empty_results_total",
		Help: "Decode calls where no candidate passed the thresholds",
	})

	ScratchBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sam_scratch_bytes",
		Help: "Bytes currently held by compute scratch pools",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sam_validation_errors_total",
		Help: "Total number of rejected inputs and models",
	}, []string{"operation", "error_type"})

	EmbeddingCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sam_embedding_cache_total",
		Help: "Image embedding cache lookups",
	}, []string{"store", "result"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sam_active_sessions",
		Help: "Inference sessions that have not been released",
	})
)

func RecordModelLoad(tensors int, duration time.Duration) {
	ModelLoadDuration.Observe(duration.Seconds())
	ModelTensors.Set(float64(tensors))
}

func RecordEncode(duration time.Duration) {
	EncodeDuration.Observe(duration.Seconds())
}

func RecordDecode(duration time.Duration) {
	DecodeDuration.Observe(duration.Seconds())
}

func RecordStage(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordMasks records the outcome of one post-processing pass.
func RecordMasks(emitted, lowIoU, unstable int) {
	MasksEmitted.Add(float64(emitted))
	if lowIoU > 0 {
		MasksFiltered.WithLabelValues("iou").Add(float64(lowIoU))
	}
	if unstable > 0 {
		MasksFiltered.WithLabelValues("stability").Add(float64(unstable))
	}
	if emitted == 0 {
		EmptyResults.Inc()
	}
}

func RecordScratchBytes(bytes int64) {
	ScratchBytes.Set(float64(bytes))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordCacheLookup(store string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	EmbeddingCache.WithLabelValues(store, result).Inc()
}

func SessionOpened() {
	ActiveSessions.Inc()
}

func SessionReleased() {
	ActiveSessions.Dec()
}
