package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scriptbatch"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	batchesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "submitted_total",
			Help:      "Batch requests by command and outcome (accepted, rejected).",
		}, []string{"command", "outcome"},
	)
	recordTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "record_transitions_total",
			Help:      "Number of batch record state transitions.",
		}, []string{"command", "from", "to"},
	)
	pendingRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "pending_records",
			Help:      "Records still waiting for pickup per command.",
		}, []string{"command"},
	)
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "active_workers",
			Help:      "Batch workers currently running.",
		},
	)
	scriptRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "runs_total",
			Help:      "Script invocations by command and outcome.",
		}, []string{"command", "outcome"},
	)
	scriptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "duration_seconds",
			Help:      "Wall time of script invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"command"},
	)
	scriptPeakRSS = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "script",
			Name:      "peak_rss_bytes",
			Help:      "Peak resident memory observed while a script ran.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 10),
		}, []string{"command"},
	)
)

// Script run outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeError     = "error"
	OutcomeNotFound  = "not_found"
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{batchesSubmitted, recordTransitions, pendingRecords, activeWorkers, scriptRuns, scriptDuration, scriptPeakRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has succeeded.

func IncBatch(command string, accepted bool) {
	if regOK.Load() {
		outcome := "accepted"
		if !accepted {
			outcome = "rejected"
		}
		batchesSubmitted.WithLabelValues(command, outcome).Inc()
	}
}

func RecordTransition(command, from, to string) {
	if regOK.Load() {
		recordTransitions.WithLabelValues(command, from, to).Inc()
	}
}

func AddPending(command string, delta int) {
	if regOK.Load() {
		pendingRecords.WithLabelValues(command).Add(float64(delta))
	}
}

func AddActiveWorkers(delta int) {
	if regOK.Load() {
		activeWorkers.Add(float64(delta))
	}
}

func IncScriptRun(command, outcome string) {
	if regOK.Load() {
		scriptRuns.WithLabelValues(command, outcome).Inc()
	}
}

func ObserveScriptDuration(command string, seconds float64) {
	if regOK.Load() {
		scriptDuration.WithLabelValues(command).Observe(seconds)
	}
}

func ObserveScriptPeakRSS(command string, bytes uint64) {
	if regOK.Load() && bytes > 0 {
		scriptPeakRSS.WithLabelValues(command).Observe(float64(bytes))
	}
}
