package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	traceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalctl",
			Subsystem: "trace",
			Name:      "events_total",
			Help:      "Trace events received, by provider and whether they passed the filter.",
		}, []string{"provider", "forwarded"},
	)
	traceBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalctl",
			Subsystem: "trace",
			Name:      "batches_total",
			Help:      "Trace event batches received.",
		},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalctl",
			Subsystem: "trace",
			Name:      "process_exits_total",
			Help:      "Authoritative process terminations observed through the kernel provider.",
		}, []string{"package"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalctl",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions of stream sessions.",
		}, []string{"session", "from", "to"},
	)
	watchdogFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalctl",
			Subsystem: "monitor",
			Name:      "watchdog_fires_total",
			Help:      "Liveness watchdog expirations.",
		}, []string{"package"},
	)
	snapshots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portalctl",
			Subsystem: "monitor",
			Name:      "snapshots_total",
			Help:      "Process snapshots received.",
		},
	)
	appOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portalctl",
			Subsystem: "app",
			Name:      "operations_total",
			Help:      "App lifecycle operations by kind and result.",
		}, []string{"op", "result"},
	)
	appOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portalctl",
			Subsystem: "app",
			Name:      "operation_duration_seconds",
			Help:      "Duration of app lifecycle operations including polling.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{traceEvents, traceBatches, processExits, stateTransitions, watchdogFires, snapshots, appOperations, appOperationDuration}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTraceEvent(provider string, forwarded bool) {
	if regOK.Load() {
		f := "false"
		if forwarded {
			f = "true"
		}
		traceEvents.WithLabelValues(provider, f).Inc()
	}
}

func IncTraceBatch() {
	if regOK.Load() {
		traceBatches.Inc()
	}
}

func IncProcessExit(pkg string) {
	if regOK.Load() {
		processExits.WithLabelValues(pkg).Inc()
	}
}

func RecordStateTransition(session, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(session, from, to).Inc()
	}
}

func IncWatchdogFire(pkg string) {
	if regOK.Load() {
		watchdogFires.WithLabelValues(pkg).Inc()
	}
}

func IncSnapshot() {
	if regOK.Load() {
		snapshots.Inc()
	}
}

func ObserveAppOperation(op string, ok bool, seconds float64) {
	if regOK.Load() {
		result := "success"
		if !ok {
			result = "failure"
		}
		appOperations.WithLabelValues(op, result).Inc()
		appOperationDuration.WithLabelValues(op).Observe(seconds)
	}
}
