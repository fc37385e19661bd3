package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "engine_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "engined"},
		},
		[]string{"version", "sha"},
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_steps_total",
			Help: "Number of model execution steps",
		},
		[]string{"outcome"},
	)

	stepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_step_duration_seconds",
			Help:    "Model step duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_requests_total",
			Help: "Number of inference requests",
		},
		[]string{"outcome"},
	)

	gpuBlocksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_gpu_cache_blocks",
			Help: "Negotiated GPU cache block capacity",
		},
	)

	gpuBlocksUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_gpu_cache_blocks_used",
			Help: "GPU cache blocks held by the last step",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Pending inference requests",
		},
	)

	lastBatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_last_batch_size",
			Help: "Size of the most recent step batch",
		},
	)
)

// Register registers all engine metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, stepsTotal, stepDuration, requestsTotal,
		gpuBlocksTotal, gpuBlocksUsed, queueDepth, lastBatchSize)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha string) {
	buildInfo.WithLabelValues(version, sha).Set(1)
}

// RecordStep counts one execution step and its duration.
func RecordStep(success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	stepsTotal.WithLabelValues(outcome).Inc()
	stepDuration.Observe(d.Seconds())
}

// RecordRequest counts one completed inference request.
func RecordRequest(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(outcome).Inc()
}

// SetGPUBlocks records the negotiated cache capacity.
func SetGPUBlocks(n int) {
	gpuBlocksTotal.Set(float64(n))
}

// SetGPUBlocksUsed records block occupancy of the last step.
func SetGPUBlocksUsed(n int) {
	gpuBlocksUsed.Set(float64(n))
}

// SetQueueDepth records the pending request count.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetLastBatchSize records the most recent batch size.
func SetLastBatchSize(n int) {
	lastBatchSize.Set(float64(n))
}
