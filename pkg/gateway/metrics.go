package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// executorsOnline tracks connected executors, by pool.
	executorsOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vespid_gateway_executors_online",
			Help: "Connected executors by pool",
		},
		[]string{"pool"},
	)

	// inFlightRequests tracks dispatched requests awaiting a result.
	inFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vespid_gateway_inflight_requests",
			Help: "Dispatched requests awaiting a result",
		},
	)

	// dispatches tracks dispatch outcomes.
	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vespid_gateway_dispatches_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// resultsIngested tracks result ingress, by path taken.
	resultsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vespid_gateway_results_total",
			Help: "Executor results ingested by path",
		},
		[]string{"path"},
	)

	// orphanBufferSize tracks the orphan result buffer.
	orphanBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vespid_gateway_orphan_buffer_size",
			Help: "Results buffered with no local pending entry",
		},
	)
)

// Dispatch outcomes.
const (
	outcomeDispatched = "dispatched"
	outcomeNoExecutor = "no_eligible_executor"
	outcomeSendFailed = "send_failed"
)

// Result ingress paths.
const (
	resultPathPending = "pending"
	resultPathOrphan  = "orphan"
	resultPathTimeout = "timeout"
)

func recordExecutorOnline(pool string) {
	executorsOnline.WithLabelValues(pool).Inc()
}

func recordExecutorOffline(pool string) {
	executorsOnline.WithLabelValues(pool).Dec()
}

func recordInFlightDelta(delta float64) {
	inFlightRequests.Add(delta)
}

func recordDispatch(outcome string) {
	dispatches.WithLabelValues(outcome).Inc()
}

func recordResult(path string) {
	resultsIngested.WithLabelValues(path).Inc()
}

func setOrphanBufferSize(n int) {
	orphanBufferSize.Set(float64(n))
}
