// Package metrics defines the Prometheus instrumentation the executor and
// session record (spec §4.4 "timer map", §9 "performance collection"),
// grounded on the kthena corpus's infer-router metrics registration
// pattern: package-level collectors registered once via promauto,
// labeled by node/op rather than by a free-form string.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KernelDuration is the per-node kernel timer of spec §4.4 step 5
	// ("Start/stop the per-node timer").
	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hegraph",
		Subsystem: "executor",
		Name:      "kernel_duration_seconds",
		Help:      "Wall-clock time spent executing one graph node's kernel.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// CallsTotal counts completed executor Call invocations, partitioned
	// by outcome.
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hegraph",
		Subsystem: "executor",
		Name:      "calls_total",
		Help:      "Total number of executor Call invocations.",
	}, []string{"outcome"})

	// OffloadBatchesTotal counts nonlinear offload batches dispatched to
	// the client (spec §4.5 step 3), partitioned by function.
	OffloadBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hegraph",
		Subsystem: "session",
		Name:      "offload_batches_total",
		Help:      "Total number of client-aided nonlinear offload batches sent.",
	}, []string{"function"})

	// OffloadBatchSize records how many ciphertexts were carried per
	// offload batch, for tuning MAX_BATCH (spec §4.5).
	OffloadBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hegraph",
		Subsystem: "session",
		Name:      "offload_batch_size",
		Help:      "Number of ciphertexts carried in one offload request.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1000},
	}, []string{"function"})
)
