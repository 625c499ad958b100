package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	lockAcquisitions *prometheus.CounterVec
	historyConflicts *prometheus.CounterVec
	turnTotal        *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	activeTurns      prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	repetitionBlocks      *prometheus.CounterVec

	sideEffectTotal    *prometheus.CounterVec
	sideEffectDuration *prometheus.HistogramVec
	batchCommandsTotal *prometheus.CounterVec

	providerRetries  *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	modeSwitches     *prometheus.CounterVec
	locksReaped      prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			lockAcquisitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_session_lock_acquisitions_total",
					Help: "Session lock acquisition attempts by result (acquired, busy, error).",
				},
				[]string{"result"},
			),
			historyConflicts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_history_conflicts_total",
					Help: "Optimistic version conflicts by stage (append, begin, finish).",
				},
				[]string{"stage"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_turns_total",
					Help: "Chat turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tempo_turn_duration_seconds",
					Help:    "Chat turn duration in seconds by outcome.",
					Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"outcome"},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tempo_active_turns",
					Help: "Turns currently streaming.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_tool_execution_total",
					Help: "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tempo_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			repetitionBlocks: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_tool_repetition_blocks_total",
					Help: "Tool calls denied by the repetition guard.",
				},
				[]string{"tool"},
			),
			sideEffectTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_side_effects_total",
					Help: "Side effects executed by operation and status.",
				},
				[]string{"operation", "status"},
			),
			sideEffectDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tempo_side_effect_duration_seconds",
					Help:    "Side effect duration in seconds by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
			batchCommandsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_batch_commands_total",
					Help: "Batch commands by final status.",
				},
				[]string{"status"},
			),
			providerRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_provider_retries_total",
					Help: "Provider stream retries by provider.",
				},
				[]string{"provider"},
			),
			providerRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_provider_requests_total",
					Help: "Provider stream requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modeSwitches: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tempo_mode_switches_total",
					Help: "Mode switch attempts by target and result.",
				},
				[]string{"target", "result"},
			),
			locksReaped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tempo_session_locks_reaped_total",
					Help: "Expired session locks removed by the reaper.",
				},
			),
		}

		prometheus.MustRegister(
			m.lockAcquisitions,
			m.historyConflicts,
			m.turnTotal,
			m.turnDuration,
			m.activeTurns,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.repetitionBlocks,
			m.sideEffectTotal,
			m.sideEffectDuration,
			m.batchCommandsTotal,
			m.providerRetries,
			m.providerRequests,
			m.modeSwitches,
			m.locksReaped,
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

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordLockAcquisition(result string) {
	getMetrics().lockAcquisitions.WithLabelValues(result).Inc()
}

func RecordHistoryConflict(stage string) {
	getMetrics().historyConflicts.WithLabelValues(stage).Inc()
}

// TurnStarted bumps the active turn gauge and returns the completion hook
func TurnStarted() func(outcome string) {
	m := getMetrics()
	m.activeTurns.Inc()
	start := time.Now()
	var once sync.Once
	return func(outcome string) {
		once.Do(func() {
			m.activeTurns.Dec()
			m.turnTotal.WithLabelValues(outcome).Inc()
			m.turnDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		})
	}
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordRepetitionBlock(tool string) {
	getMetrics().repetitionBlocks.WithLabelValues(tool).Inc()
}

func RecordSideEffect(operation string, duration time.Duration, success bool) {
	m := getMetrics()
	m.sideEffectTotal.WithLabelValues(operation, status(success)).Inc()
	m.sideEffectDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordBatchCommands(successful, failed int) {
	m := getMetrics()
	m.batchCommandsTotal.WithLabelValues("ok").Add(float64(successful))
	m.batchCommandsTotal.WithLabelValues("failed").Add(float64(failed))
}

func RecordProviderRetry(provider string) {
	getMetrics().providerRetries.WithLabelValues(provider).Inc()
}

func RecordProviderRequest(provider string, success bool) {
	getMetrics().providerRequests.WithLabelValues(provider, status(success)).Inc()
}

func RecordModeSwitch(target, result string) {
	getMetrics().modeSwitches.WithLabelValues(target, result).Inc()
}

func RecordLocksReaped(n int) {
	getMetrics().locksReaped.Add(float64(n))
}
