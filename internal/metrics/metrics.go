package metrics

import (
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    candidateAttempts = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "ocrworker",
            Name:      "candidate_attempts_total",
            Help:      "Delivery attempts by endpoint, payload schema and result",
        },
        []string{"endpoint", "schema", "result"},
    )

    candidateLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "ocrworker",
            Name:      "candidate_attempt_duration_seconds",
            Help:      "Duration of delivery attempts by endpoint and payload schema",
            Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
        },
        []string{"endpoint", "schema"},
    )

    negotiationsExhausted = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "ocrworker",
            Name:      "negotiations_exhausted_total",
            Help:      "Negotiations where no endpoint/schema candidate succeeded",
        },
    )

    jobsProcessed = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "ocrworker",
            Name:      "jobs_processed_total",
            Help:      "Jobs processed by outcome (ok, validation, not_ready, model_not_found, image, inference, panic)",
        },
        []string{"outcome"},
    )

    jobDuration = prometheus.NewHistogram(
        prometheus.HistogramOpts{
            Namespace: "ocrworker",
            Name:      "job_duration_seconds",
            Help:      "Wall-clock duration of handled jobs",
            Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
        },
    )

    imageFormats = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "ocrworker",
            Name:      "input_images_total",
            Help:      "Input images by sniffed MIME type",
        },
        []string{"mime"},
    )

    queueDepth = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Namespace: "ocrworker",
            Name:      "queue_depth",
            Help:      "Queue depth gauges for stream and dlq",
        },
        []string{"type"},
    )

    registerOnce sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
    registerOnce.Do(func() {
        prometheus.MustRegister(candidateAttempts, candidateLatency, negotiationsExhausted, jobsProcessed, jobDuration, imageFormats, queueDepth)
    })
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveAttempt(endpoint, schema, result string, dur time.Duration) {
    candidateAttempts.WithLabelValues(endpoint, schema, result).Inc()
    candidateLatency.WithLabelValues(endpoint, schema).Observe(dur.Seconds())
}

func IncExhausted() { negotiationsExhausted.Inc() }

func ObserveJob(outcome string, dur time.Duration) {
    jobsProcessed.WithLabelValues(outcome).Inc()
    jobDuration.Observe(dur.Seconds())
}

func IncImageFormat(mime string) { imageFormats.WithLabelValues(mime).Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
