// Package metrics exposes Prometheus instrumentation for the inference
// engine and the serving layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_tokens_total",
		Help: "Tokens processed, split into prompt and generated",
	}, []string{"phase"})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stratum_forward_duration_seconds",
		Help:    "Single forward pass latency",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"phase"})

	GenerateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratum_generate_duration_seconds",
		Help:    "End-to-end completion latency",
		Buckets: prometheus.DefBuckets,
	})

	ContextLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratum_context_length_tokens",
		Help:    "Context lengths reached during generation",
		Buckets: []float64{64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768},
	})

	CacheRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratum_kv_cache_rotations_total",
		Help: "Forward passes that wrote past the cache capacity",
	})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_requests_total",
		Help: "Completion requests by outcome",
	}, []string{"status"})

	RequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_requests_in_flight",
		Help: "Completion requests currently being served",
	})

	ModelBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_model_bytes",
		Help: "Weight storage bytes of the loaded model",
	})
)

const (
	PhasePrefill = "prefill"
	PhaseDecode  = "decode"
)

// RecordForward records a single forward pass in the given phase.
func RecordForward(phase string, d time.Duration) {
	TokensTotal.WithLabelValues(phase).Inc()
	ForwardDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordGenerate records a completed generation run.
func RecordGenerate(contextLen int, d time.Duration) {
	GenerateDuration.Observe(d.Seconds())
	ContextLength.Observe(float64(contextLen))
}

// RecordRequest counts a served request by outcome ("ok", "error", "canceled").
func RecordRequest(status string) {
	RequestsTotal.WithLabelValues(status).Inc()
}
