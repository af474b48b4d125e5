package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deskflow"

type moduleMetrics struct {
	laneQueueSize    *prometheus.GaugeVec
	laneEnqueueTotal *prometheus.CounterVec
	laneTaskTotal    *prometheus.CounterVec
	laneTaskDuration *prometheus.HistogramVec

	turnTotal      *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	turnRounds     prometheus.Histogram
	activeTurns    prometheus.Gauge
	tokensUsed     *prometheus.CounterVec
	streamedEvents *prometheus.CounterVec

	providerRequestTotal    *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerFailoverTotal   *prometheus.CounterVec
	providerCooldown        *prometheus.GaugeVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolDeniedTotal       *prometheus.CounterVec
	toolsInFlight         prometheus.Gauge
	toolRegistrySize      prometheus.Gauge

	memorySearchDuration prometheus.Histogram
	memoryWriteTotal     *prometheus.CounterVec
	memoryEntriesTotal   prometheus.Gauge
	memoryCacheTotal     *prometheus.CounterVec

	conversationSaveDuration prometheus.Histogram
	conversationLoadDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_queue_size",
					Help:      "Current queued tasks by lane.",
				},
				[]string{"lane"},
			),
			laneEnqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			laneTaskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_task_total",
					Help:      "Total completed lane tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			laneTaskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "lane_task_duration_seconds",
					Help:      "Lane task duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_total",
					Help:      "Total agent turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Agent turn duration in seconds.",
					Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			turnRounds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_tool_rounds",
					Help:      "Tool rounds executed per turn.",
					Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
				},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_turns",
					Help:      "Turns currently running.",
				},
			),
			tokensUsed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tokens_used_total",
					Help:      "Tokens used by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			streamedEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_events_total",
					Help:      "Stream events emitted by type.",
				},
				[]string{"type"},
			),
			providerRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_request_total",
					Help:      "Provider requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "provider_request_duration_seconds",
					Help:      "Provider request duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerFailoverTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_failover_total",
					Help:      "Failovers away from a provider.",
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolDeniedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_denied_total",
					Help:      "Tool executions refused by the security policy.",
				},
				[]string{"tool"},
			),
			toolsInFlight: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "tools_in_flight",
					Help:      "Tool executions currently running.",
				},
			),
			toolRegistrySize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "tool_registry_size",
					Help:      "Registered tools.",
				},
			),
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "memory_search_duration_seconds",
					Help:      "Memory search duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			memoryWriteTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "memory_write_total",
					Help:      "Memory writes by status.",
				},
				[]string{"status"},
			),
			memoryEntriesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "memory_entries_total",
					Help:      "Total stored memory entries.",
				},
			),
			memoryCacheTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "memory_cache_lookups_total",
					Help:      "Memory cache lookups by cache and result.",
				},
				[]string{"cache", "result"},
			),
			conversationSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "conversation_save_duration_seconds",
					Help:      "Conversation save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			conversationLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "conversation_load_duration_seconds",
					Help:      "Conversation load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.laneQueueSize,
			m.laneEnqueueTotal,
			m.laneTaskTotal,
			m.laneTaskDuration,
			m.turnTotal,
			m.turnDuration,
			m.turnRounds,
			m.activeTurns,
			m.tokensUsed,
			m.streamedEvents,
			m.providerRequestTotal,
			m.providerRequestDuration,
			m.providerFailoverTotal,
			m.providerCooldown,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolDeniedTotal,
			m.toolsInFlight,
			m.toolRegistrySize,
			m.memorySearchDuration,
			m.memoryWriteTotal,
			m.memoryEntriesTotal,
			m.memoryCacheTotal,
			m.conversationSaveDuration,
			m.conversationLoadDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.laneEnqueueTotal.WithLabelValues(lane).Inc()
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// DeleteQueueLane drops the series of a removed dynamic lane.
func DeleteQueueLane(lane string) {
	m := getMetrics()
	m.laneQueueSize.DeleteLabelValues(lane)
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.laneTaskTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.laneTaskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// TurnStarted increments the active turn gauge.
func TurnStarted() {
	getMetrics().activeTurns.Inc()
}

// RecordTurn records a finished turn. Outcome is one of completed, error, cancelled, round_limit.
func RecordTurn(outcome string, duration time.Duration, rounds int) {
	m := getMetrics()
	m.activeTurns.Dec()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
	m.turnRounds.Observe(float64(rounds))
}

func RecordTokens(provider string, input, output int) {
	m := getMetrics()
	m.tokensUsed.WithLabelValues(provider, "input").Add(float64(input))
	m.tokensUsed.WithLabelValues(provider, "output").Add(float64(output))
}

func RecordStreamEvent(eventType string) {
	getMetrics().streamedEvents.WithLabelValues(eventType).Inc()
}

func RecordProviderRequest(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerRequestTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.providerRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordProviderFailover(provider string) {
	getMetrics().providerFailoverTotal.WithLabelValues(provider).Inc()
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolDenied(tool string) {
	getMetrics().toolDeniedTotal.WithLabelValues(tool).Inc()
}

func SetToolsInFlight(n int64) {
	getMetrics().toolsInFlight.Set(float64(n))
}

func SetToolRegistrySize(n int) {
	getMetrics().toolRegistrySize.Set(float64(n))
}

func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearchDuration.Observe(duration.Seconds())
}

func RecordMemoryWrite(success bool) {
	getMetrics().memoryWriteTotal.WithLabelValues(statusLabel(success)).Inc()
}

func SetMemoryEntries(total int) {
	getMetrics().memoryEntriesTotal.Set(float64(total))
}

func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().memoryCacheTotal.WithLabelValues(cache, result).Inc()
}

func RecordConversationSave(duration time.Duration) {
	getMetrics().conversationSaveDuration.Observe(duration.Seconds())
}

func RecordConversationLoad(duration time.Duration) {
	getMetrics().conversationLoadDuration.Observe(duration.Seconds())
}
