// Package metrics exposes the Prometheus counters, gauges, and histograms
// for the graph/change-set/edda core, plus a small ops HTTP server that
// serves them alongside a liveness probe.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChangeSetsCommittedTotal counts successful change-set commits.
	ChangeSetsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changesets_committed_total",
		Help: "Total number of change sets committed.",
	})

	// ChangeSetRebaseTotal counts rebase_onto operations by outcome.
	ChangeSetRebaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changeset_rebase_total",
		Help: "Total number of change-set rebases by outcome.",
	}, []string{"outcome"})

	// ChangeSetRebaseErrorsTotal counts rebase failures by reason.
	ChangeSetRebaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changeset_rebase_errors_total",
		Help: "Total number of change-set rebase errors by reason.",
	}, []string{"reason"})

	// MerkleRecomputeDuration records how long an incremental Merkle hash
	// recompute takes.
	MerkleRecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graph_merkle_recompute_duration_seconds",
		Help:    "Duration of incremental Merkle hash recomputation.",
		Buckets: prometheus.DefBuckets,
	})

	// UpdateDetectorCallsTotal counts invocations of the update detector.
	UpdateDetectorCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "update_detector_calls_total",
		Help: "Total number of update-detector invocations.",
	})

	// EddaBuildsTotal counts materialized-view builds by request type.
	EddaBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edda_builds_total",
		Help: "Total number of MV builds dispatched, by request type.",
	}, []string{"request_type"})

	// EddaBuildErrorsTotal counts MV build failures by request type.
	EddaBuildErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edda_build_errors_total",
		Help: "Total number of MV build failures, by request type.",
	}, []string{"request_type"})

	// EddaActiveProcessorsGauge tracks the number of live per-(workspace,
	// change-set) processor tasks.
	EddaActiveProcessorsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edda_active_processors",
		Help: "Number of currently-running change-set processor tasks.",
	})

	// EddaQuiescedShutdownsTotal counts processor tasks that exited due to
	// the quiescent-period heartbeat check.
	EddaQuiescedShutdownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edda_quiesced_shutdowns_total",
		Help: "Total number of change-set processor tasks stopped by quiescent shutdown.",
	})

	// RateLimiterThrottleEventsTotal counts on_throttle calls, by limiter
	// name.
	RateLimiterThrottleEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limiter_throttle_events_total",
		Help: "Total number of throttle events observed by the adaptive rate limiter.",
	}, []string{"limiter"})

	// RateLimiterCurrentDelay reports the current computed delay, in
	// seconds, by limiter name.
	RateLimiterCurrentDelay = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rate_limiter_current_delay_seconds",
		Help: "Current adaptive rate limiter delay.",
	}, []string{"limiter"})

	// CycloneExecutionsTotal counts Cyclone executions by outcome.
	CycloneExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cyclone_executions_total",
		Help: "Total number of Cyclone function executions, by outcome.",
	}, []string{"outcome"})

	// CycloneCircuitOpenTotal counts times the Cyclone breaker tripped open.
	CycloneCircuitOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cyclone_circuit_open_total",
		Help: "Total number of times the Cyclone circuit breaker opened.",
	})

	// SuggestionAutosubscribeTotal counts autosubscribe outcomes.
	SuggestionAutosubscribeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "suggestion_autosubscribe_total",
		Help: "Total number of autosubscribe attempts, by outcome.",
	}, []string{"outcome"})

	// DependentValuesProcessedTotal counts AVs processed by the dependent
	// value update queue.
	DependentValuesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dependent_values_processed_total",
		Help: "Total number of attribute values recomputed by the dependent value update queue.",
	})
)

// RecordChangeSetCommit increments the committed-change-sets counter.
func RecordChangeSetCommit() {
	ChangeSetsCommittedTotal.Inc()
}

// RecordRebase increments the rebase counter for the given outcome
// ("applied", "needs_approval", "rejected").
func RecordRebase(outcome string) {
	ChangeSetRebaseTotal.WithLabelValues(outcome).Inc()
}

// RecordRebaseError increments the rebase error counter for the given
// reason.
func RecordRebaseError(reason string) {
	ChangeSetRebaseErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordMerkleRecompute records the duration of a Merkle hash recompute.
func RecordMerkleRecompute(d time.Duration) {
	MerkleRecomputeDuration.Observe(d.Seconds())
}

// RecordUpdateDetectorCall increments the update-detector invocation
// counter.
func RecordUpdateDetectorCall() {
	UpdateDetectorCallsTotal.Inc()
}

// RecordEddaBuild increments the MV build counter for a request type.
func RecordEddaBuild(requestType string) {
	EddaBuildsTotal.WithLabelValues(requestType).Inc()
}

// RecordEddaBuildError increments the MV build error counter for a request
// type.
func RecordEddaBuildError(requestType string) {
	EddaBuildErrorsTotal.WithLabelValues(requestType).Inc()
}

// RecordQuiescedShutdown increments the quiesced-shutdown counter.
func RecordQuiescedShutdown() {
	EddaQuiescedShutdownsTotal.Inc()
}

// RecordThrottleEvent increments the throttle-event counter for a named
// rate limiter and updates its current delay gauge.
func RecordThrottleEvent(limiter string, currentDelay time.Duration) {
	RateLimiterThrottleEventsTotal.WithLabelValues(limiter).Inc()
	RateLimiterCurrentDelay.WithLabelValues(limiter).Set(currentDelay.Seconds())
}

// SetRateLimiterDelay sets the current delay gauge without recording a
// throttle event (used after a successful on_success backoff reduction).
func SetRateLimiterDelay(limiter string, currentDelay time.Duration) {
	RateLimiterCurrentDelay.WithLabelValues(limiter).Set(currentDelay.Seconds())
}

// RecordCycloneExecution increments the Cyclone execution counter for an
// outcome ("success", "error", "killed").
func RecordCycloneExecution(outcome string) {
	CycloneExecutionsTotal.WithLabelValues(outcome).Inc()
}

// RecordCycloneCircuitOpen increments the Cyclone circuit-open counter.
func RecordCycloneCircuitOpen() {
	CycloneCircuitOpenTotal.Inc()
}

// RecordAutosubscribe increments the autosubscribe counter for an outcome
// ("successful", "conflicted", "errored").
func RecordAutosubscribe(outcome string) {
	SuggestionAutosubscribeTotal.WithLabelValues(outcome).Inc()
}

// RecordDependentValueProcessed increments the dependent-value-processed
// counter.
func RecordDependentValueProcessed() {
	DependentValuesProcessedTotal.Inc()
}

// Timer measures elapsed time for recording into a duration metric.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time elapsed since the Timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordMerkleRecompute records the elapsed time into MerkleRecomputeDuration.
func (t *Timer) RecordMerkleRecompute() {
	RecordMerkleRecompute(t.Elapsed())
}
