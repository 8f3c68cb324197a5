/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the Prometheus collectors exported by the control-plane execution engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	metricsutil "github.com/nanofaas/control-plane/pkg/controlplane/util/metrics"
)

const (
	// --- Subsystems ---
	FunctionQueueComponent = "function_queue"
	SyncQueueComponent     = "sync_queue"
	InvocationComponent    = "invocation"
	ExecutionComponent     = "execution"
	RuntimeConfigComponent = "runtime_config"

	// Label values for invocation paths.
	PathSync  = "sync"
	PathAsync = "async"
)

var (
	// --- Common Label Sets ---
	FunctionLabels = []string{"function"}

	// InvocationLatencyBuckets spans 1ms to 15 minutes, the longest function timeout we expect to see.
	InvocationLatencyBuckets = []float64{
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 900,
	}

	// QueueWaitBuckets spans 100us to 1 minute.
	QueueWaitBuckets = []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60,
	}
)

// --- Function Queue Metrics ---
// Point-in-time queue state is exported by the queue package's collector at scrape time.
var (
	queueRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FunctionQueueComponent,
			Name:      "rejected_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of tasks refused because the function queue was full.", compbasemetrics.ALPHA),
		},
		FunctionLabels,
	)
)

// --- Sync Queue Metrics ---
var (
	syncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: SyncQueueComponent,
			Name:      "depth",
			Help:      metricsutil.HelpMsgWithStability("Number of synchronous invocations waiting in the global sync queue.", compbasemetrics.ALPHA),
		},
	)

	syncQueueAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: SyncQueueComponent,
			Name:      "admitted_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of synchronous invocations admitted to the sync queue.", compbasemetrics.ALPHA),
		},
		FunctionLabels,
	)

	syncQueueRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: SyncQueueComponent,
			Name:      "rejected_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of synchronous invocations rejected by admission control, by reason.", compbasemetrics.ALPHA),
		},
		append(FunctionLabels, "reason"),
	)

	syncQueueTimedOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: SyncQueueComponent,
			Name:      "timedout_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of synchronous invocations evicted after exceeding the maximum queue wait.", compbasemetrics.ALPHA),
		},
		FunctionLabels,
	)

	syncQueueWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: SyncQueueComponent,
			Name:      "wait_seconds",
			Help:      metricsutil.HelpMsgWithStability("Time synchronous invocations spent in the sync queue before dispatch.", compbasemetrics.ALPHA),
			Buckets:   QueueWaitBuckets,
		},
		FunctionLabels,
	)
)

// --- Invocation Metrics ---
var (
	invocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: InvocationComponent,
			Name:      "total",
			Help:      metricsutil.HelpMsgWithStability("Counter of invocation requests accepted by the orchestrator, by path.", compbasemetrics.ALPHA),
		},
		append(FunctionLabels, "path"),
	)

	invocationDedupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: InvocationComponent,
			Name:      "deduplicated_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of invocations resolved to an existing execution through an idempotency key.", compbasemetrics.ALPHA),
		},
		FunctionLabels,
	)

	invocationRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: InvocationComponent,
			Name:      "rate_limited_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of invocations refused by the process-wide rate limiter.", compbasemetrics.ALPHA),
		},
	)

	invocationOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: InvocationComponent,
			Name:      "outcome_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of executions reaching a terminal state, by state.", compbasemetrics.ALPHA),
		},
		append(FunctionLabels, "state"),
	)

	invocationRetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: InvocationComponent,
			Name:      "retry_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of failed attempts re-enqueued for retry.", compbasemetrics.ALPHA),
		},
		FunctionLabels,
	)

	invocationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: InvocationComponent,
			Name:      "duration_seconds",
			Help:      metricsutil.HelpMsgWithStability("Time from dispatch to completion of the final attempt.", compbasemetrics.ALPHA),
			Buckets:   InvocationLatencyBuckets,
		},
		FunctionLabels,
	)

	invocationQueueWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: InvocationComponent,
			Name:      "queue_wait_seconds",
			Help:      metricsutil.HelpMsgWithStability("Time from task creation to dispatch of the final attempt.", compbasemetrics.ALPHA),
			Buckets:   QueueWaitBuckets,
		},
		FunctionLabels,
	)

	invocationE2ESeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: InvocationComponent,
			Name:      "e2e_duration_seconds",
			Help:      metricsutil.HelpMsgWithStability("Time from task creation to completion of the final attempt.", compbasemetrics.ALPHA),
			Buckets:   InvocationLatencyBuckets,
		},
		FunctionLabels,
	)

	coldStartTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: InvocationComponent,
			Name:      "cold_start_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of completed attempts that reported a cold start.", compbasemetrics.ALPHA),
		},
		FunctionLabels,
	)

	warmStartTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: InvocationComponent,
			Name:      "warm_start_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of completed attempts served by a warm instance.", compbasemetrics.ALPHA),
		},
		FunctionLabels,
	)

	initDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: InvocationComponent,
			Name:      "init_duration_seconds",
			Help:      metricsutil.HelpMsgWithStability("Initialization time reported by cold-started function instances.", compbasemetrics.ALPHA),
			Buckets:   InvocationLatencyBuckets,
		},
		FunctionLabels,
	)
)

// --- Execution Metrics ---
var (
	invalidTransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: ExecutionComponent,
			Name:      "invalid_transition_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of execution state transitions outside the expected lifecycle.", compbasemetrics.ALPHA),
		},
		[]string{"from", "to"},
	)

	executionStoreSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: ExecutionComponent,
			Name:      "store_size",
			Help:      metricsutil.HelpMsgWithStability("Number of execution records currently retained.", compbasemetrics.ALPHA),
		},
	)
)

// --- Runtime Config Metrics ---
var (
	runtimeConfigRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: RuntimeConfigComponent,
			Name:      "revision",
			Help:      metricsutil.HelpMsgWithStability("Revision of the active runtime configuration snapshot.", compbasemetrics.ALPHA),
		},
	)

	runtimeConfigUpdateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: RuntimeConfigComponent,
			Name:      "update_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of runtime configuration patch attempts, by result.", compbasemetrics.ALPHA),
		},
		[]string{"result"},
	)

	rateLimitMaxPerSecond = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: RuntimeConfigComponent,
			Name:      "rate_limit_max_per_second",
			Help:      metricsutil.HelpMsgWithStability("Active process-wide invocation rate limit.", compbasemetrics.ALPHA),
		},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register(customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(queueRejectedTotal)

		metrics.Registry.MustRegister(syncQueueDepth)
		metrics.Registry.MustRegister(syncQueueAdmittedTotal)
		metrics.Registry.MustRegister(syncQueueRejectedTotal)
		metrics.Registry.MustRegister(syncQueueTimedOutTotal)
		metrics.Registry.MustRegister(syncQueueWaitSeconds)

		metrics.Registry.MustRegister(invocationTotal)
		metrics.Registry.MustRegister(invocationDedupTotal)
		metrics.Registry.MustRegister(invocationRateLimitedTotal)
		metrics.Registry.MustRegister(invocationOutcomeTotal)
		metrics.Registry.MustRegister(invocationRetryTotal)
		metrics.Registry.MustRegister(invocationDurationSeconds)
		metrics.Registry.MustRegister(invocationQueueWaitSeconds)
		metrics.Registry.MustRegister(invocationE2ESeconds)
		metrics.Registry.MustRegister(coldStartTotal)
		metrics.Registry.MustRegister(warmStartTotal)
		metrics.Registry.MustRegister(initDurationSeconds)

		metrics.Registry.MustRegister(invalidTransitionTotal)
		metrics.Registry.MustRegister(executionStoreSize)

		metrics.Registry.MustRegister(runtimeConfigRevision)
		metrics.Registry.MustRegister(runtimeConfigUpdateTotal)
		metrics.Registry.MustRegister(rateLimitMaxPerSecond)

		for _, collector := range customCollectors {
			metrics.Registry.MustRegister(collector)
		}
	})
}

// Reset resets all metrics. Only used in tests.
func Reset() {
	queueRejectedTotal.Reset()

	syncQueueDepth.Set(0)
	syncQueueAdmittedTotal.Reset()
	syncQueueRejectedTotal.Reset()
	syncQueueTimedOutTotal.Reset()
	syncQueueWaitSeconds.Reset()

	invocationTotal.Reset()
	invocationDedupTotal.Reset()
	invocationOutcomeTotal.Reset()
	invocationRetryTotal.Reset()
	invocationDurationSeconds.Reset()
	invocationQueueWaitSeconds.Reset()
	invocationE2ESeconds.Reset()
	coldStartTotal.Reset()
	warmStartTotal.Reset()
	initDurationSeconds.Reset()

	invalidTransitionTotal.Reset()
	executionStoreSize.Set(0)

	runtimeConfigRevision.Set(0)
	runtimeConfigUpdateTotal.Reset()
	rateLimitMaxPerSecond.Set(0)
}

// --- Function Queue Recorders ---

// RecordQueueRejected counts a task refused by a full function queue.
func RecordQueueRejected(function string) {
	queueRejectedTotal.WithLabelValues(function).Inc()
}

// DeleteFunction removes every per-function series for a deregistered function.
func DeleteFunction(function string) {
	labels := prometheus.Labels{"function": function}
	queueRejectedTotal.DeletePartialMatch(labels)
	syncQueueAdmittedTotal.DeletePartialMatch(labels)
	syncQueueRejectedTotal.DeletePartialMatch(labels)
	syncQueueTimedOutTotal.DeletePartialMatch(labels)
	syncQueueWaitSeconds.DeletePartialMatch(labels)
	invocationTotal.DeletePartialMatch(labels)
	invocationDedupTotal.DeletePartialMatch(labels)
	invocationOutcomeTotal.DeletePartialMatch(labels)
	invocationRetryTotal.DeletePartialMatch(labels)
	invocationDurationSeconds.DeletePartialMatch(labels)
	invocationQueueWaitSeconds.DeletePartialMatch(labels)
	invocationE2ESeconds.DeletePartialMatch(labels)
	coldStartTotal.DeletePartialMatch(labels)
	warmStartTotal.DeletePartialMatch(labels)
	initDurationSeconds.DeletePartialMatch(labels)
}

// --- Sync Queue Recorders ---

// RecordSyncQueueDepth publishes the depth of the global sync queue.
func RecordSyncQueueDepth(depth int) {
	syncQueueDepth.Set(float64(depth))
}

// RecordSyncQueueAdmitted counts a synchronous invocation admitted to the sync queue.
func RecordSyncQueueAdmitted(function string) {
	syncQueueAdmittedTotal.WithLabelValues(function).Inc()
}

// RecordSyncQueueRejected counts a synchronous invocation rejected with the given reason.
func RecordSyncQueueRejected(function, reason string) {
	syncQueueRejectedTotal.WithLabelValues(function, reason).Inc()
}

// RecordSyncQueueTimedOut counts a synchronous invocation evicted for waiting too long.
func RecordSyncQueueTimedOut(function string) {
	syncQueueTimedOutTotal.WithLabelValues(function).Inc()
}

// RecordSyncQueueWait observes how long a synchronous invocation waited before dispatch.
func RecordSyncQueueWait(function string, wait time.Duration) {
	syncQueueWaitSeconds.WithLabelValues(function).Observe(wait.Seconds())
}

// --- Invocation Recorders ---

// RecordInvocation counts an accepted invocation on the given path.
func RecordInvocation(function, path string) {
	invocationTotal.WithLabelValues(function, path).Inc()
}

// RecordDeduplicated counts an invocation resolved to an existing execution.
func RecordDeduplicated(function string) {
	invocationDedupTotal.WithLabelValues(function).Inc()
}

// RecordRateLimited counts an invocation refused by the rate limiter.
func RecordRateLimited() {
	invocationRateLimitedTotal.Inc()
}

// RecordRetry counts a failed attempt that was re-enqueued.
func RecordRetry(function string) {
	invocationRetryTotal.WithLabelValues(function).Inc()
}

// RecordOutcome counts an execution reaching the given terminal state.
func RecordOutcome(function, state string) {
	invocationOutcomeTotal.WithLabelValues(function, state).Inc()
}

// RecordLatencies observes the dispatch, queue-wait and end-to-end latencies of a finished execution. Zero timestamps
// are skipped, so an execution that never dispatched only contributes its end-to-end latency.
func RecordLatencies(function string, created, dispatched, finished time.Time) {
	if finished.IsZero() {
		return
	}
	if !created.IsZero() && !finished.Before(created) {
		invocationE2ESeconds.WithLabelValues(function).Observe(finished.Sub(created).Seconds())
	}
	if dispatched.IsZero() {
		return
	}
	if !created.IsZero() && !dispatched.Before(created) {
		invocationQueueWaitSeconds.WithLabelValues(function).Observe(dispatched.Sub(created).Seconds())
	}
	if !finished.Before(dispatched) {
		invocationDurationSeconds.WithLabelValues(function).Observe(finished.Sub(dispatched).Seconds())
	}
}

// RecordColdStart records the cold-start side channel reported by a dispatch backend.
func RecordColdStart(function string, coldStart bool, initDurationMs int64) {
	if !coldStart {
		warmStartTotal.WithLabelValues(function).Inc()
		return
	}
	coldStartTotal.WithLabelValues(function).Inc()
	if initDurationMs > 0 {
		initDurationSeconds.WithLabelValues(function).Observe((time.Duration(initDurationMs) * time.Millisecond).Seconds())
	}
}

// --- Execution Recorders ---

// RecordInvalidTransition counts a state transition outside the expected lifecycle.
func RecordInvalidTransition(from, to string) {
	invalidTransitionTotal.WithLabelValues(from, to).Inc()
}

// RecordExecutionStoreSize publishes the number of retained execution records.
func RecordExecutionStoreSize(size int) {
	executionStoreSize.Set(float64(size))
}

// --- Runtime Config Recorders ---

// RecordRuntimeConfigRevision publishes the active runtime configuration revision.
func RecordRuntimeConfigRevision(revision int64) {
	runtimeConfigRevision.Set(float64(revision))
}

// RecordRuntimeConfigUpdate counts a patch attempt with its result.
func RecordRuntimeConfigUpdate(result string) {
	runtimeConfigUpdateTotal.WithLabelValues(result).Inc()
}

// RecordRateLimit publishes the active rate limit.
func RecordRateLimit(maxPerSecond int) {
	rateLimitMaxPerSecond.Set(float64(maxPerSecond))
}
