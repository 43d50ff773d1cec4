package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chainbridge"

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	bridgeMetricsOnce sync.Once
	bridgeRegistry    *BridgeMetrics

	lifecycleMetricsOnce sync.Once
	lifecycleRegistry    *LifecycleMetrics

	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// RPC returns the lazily-initialised registry recording JSON-RPC activity.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and error code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limiting.",
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of a request. code is the JSON-RPC error code,
// zero on success.
func (m *rpcMetrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *rpcMetrics) RecordThrottle(method string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(method).Inc()
}

// BridgeMetrics tracks tasks flowing through the worker bridge and the
// transaction monitor batches delivered to the host loop.
type BridgeMetrics struct {
	submitted *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	completed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	queued    prometheus.Gauge

	batches   prometheus.Counter
	batchSize prometheus.Histogram
	buffered  prometheus.Counter
	dropped   *prometheus.CounterVec
}

// Bridge returns the task bridge registry.
func Bridge() *BridgeMetrics {
	bridgeMetricsOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "tasks_submitted_total",
				Help:      "Tasks accepted by the worker bridge.",
			}, []string{"task"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "tasks_rejected_total",
				Help:      "Tasks refused at submission.",
			}, []string{"task"}),
			completed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "tasks_completed_total",
				Help:      "Tasks completed on the host loop segmented by outcome.",
			}, []string{"task", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "task_duration_seconds",
				Help:      "Time spent executing tasks on workers.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
			}, []string{"task"}),
			queued: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "queue_depth",
				Help:      "Tasks waiting for a worker.",
			}),
			batches: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txmon",
				Name:      "batches_total",
				Help:      "Transaction batches delivered to the listener.",
			}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "txmon",
				Name:      "batch_size",
				Help:      "Transactions per delivered batch.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			}),
			buffered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txmon",
				Name:      "buffered_total",
				Help:      "Relayed transaction messages captured from peers.",
			}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txmon",
				Name:      "dropped_total",
				Help:      "Transaction messages discarded segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			bridgeRegistry.submitted,
			bridgeRegistry.rejected,
			bridgeRegistry.completed,
			bridgeRegistry.duration,
			bridgeRegistry.queued,
			bridgeRegistry.batches,
			bridgeRegistry.batchSize,
			bridgeRegistry.buffered,
			bridgeRegistry.dropped,
		)
	})
	return bridgeRegistry
}

func (m *BridgeMetrics) RecordSubmit(task string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(task).Inc()
}

func (m *BridgeMetrics) RecordReject(task string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(task).Inc()
}

func (m *BridgeMetrics) RecordRun(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *BridgeMetrics) RecordComplete(task string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.completed.WithLabelValues(task, outcome).Inc()
}

func (m *BridgeMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

func (m *BridgeMetrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.batchSize.Observe(float64(size))
}

func (m *BridgeMetrics) RecordBuffered() {
	if m == nil {
		return
	}
	m.buffered.Inc()
}

func (m *BridgeMetrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// LifecycleMetrics exposes the daemon lifecycle state.
type LifecycleMetrics struct {
	state       prometheus.Gauge
	transitions *prometheus.CounterVec
}

// Lifecycle returns the lifecycle registry.
func Lifecycle() *LifecycleMetrics {
	lifecycleMetricsOnce.Do(func() {
		lifecycleRegistry = &LifecycleMetrics{
			state: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "state",
				Help:      "Current lifecycle state (0=uninitialized .. 5=stopped).",
			}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Lifecycle transitions segmented by target state.",
			}, []string{"state"}),
		}
		prometheus.MustRegister(lifecycleRegistry.state, lifecycleRegistry.transitions)
	})
	return lifecycleRegistry
}

func (m *LifecycleMetrics) RecordState(ordinal int, name string) {
	if m == nil {
		return
	}
	m.state.Set(float64(ordinal))
	m.transitions.WithLabelValues(name).Inc()
}

// EngineMetrics tracks the reference chain engine.
type EngineMetrics struct {
	tipHeight   prometheus.Gauge
	blocks      *prometheus.CounterVec
	mempoolSize prometheus.Gauge
	accepts     *prometheus.CounterVec
	blockBytes  prometheus.Counter
}

// Engine returns the chain engine registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			tipHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "tip_height",
				Help:      "Height of the active chain tip.",
			}),
			blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "blocks_total",
				Help:      "Blocks processed segmented by result.",
			}, []string{"result"}),
			mempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "mempool_transactions",
				Help:      "Transactions currently held in the mempool.",
			}),
			accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "mempool_accepts_total",
				Help:      "Mempool admission attempts segmented by outcome.",
			}, []string{"outcome"}),
			blockBytes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "block_bytes_written_total",
				Help:      "Bytes appended to block files.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.tipHeight,
			engineRegistry.blocks,
			engineRegistry.mempoolSize,
			engineRegistry.accepts,
			engineRegistry.blockBytes,
		)
	})
	return engineRegistry
}

func (m *EngineMetrics) SetTip(height int32) {
	if m == nil {
		return
	}
	m.tipHeight.Set(float64(height))
}

func (m *EngineMetrics) RecordBlock(result string, size int) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(result).Inc()
	if size > 0 {
		m.blockBytes.Add(float64(size))
	}
}

func (m *EngineMetrics) SetMempoolSize(n int) {
	if m == nil {
		return
	}
	m.mempoolSize.Set(float64(n))
}

func (m *EngineMetrics) RecordAccept(outcome string) {
	if m == nil {
		return
	}
	m.accepts.WithLabelValues(outcome).Inc()
}
