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

	runStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "run",
			Name:      "starts_total",
			Help:      "Number of simulator runs started.",
		}, []string{"mode"},
	)
	runExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "run",
			Name:      "exits_total",
			Help:      "Number of finished runs by result (success, failure, launch_error).",
		}, []string{"mode", "result"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simctl",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of simulator runs, including time spent awaiting continuation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"mode"},
	)
	outputLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "run",
			Name:      "output_lines_total",
			Help:      "Lines read from the simulator's merged output.",
		}, []string{"mode"},
	)
	checkpoints = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "run",
			Name:      "checkpoints_total",
			Help:      "Checkpoint markers seen in interactive runs.",
		},
	)
	advances = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "run",
			Name:      "advances_total",
			Help:      "Continuation signals written to the simulator.",
		},
	)
	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "simctl",
			Subsystem: "run",
			Name:      "active",
			Help:      "1 while a run is in progress.",
		},
	)
	aggregations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "telemetry",
			Name:      "aggregations_total",
			Help:      "Telemetry aggregations by result (ok, empty, missing, error).",
		}, []string{"result"},
	)
	transitions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "simctl",
			Subsystem: "telemetry",
			Name:      "transitions",
			Help:      "Transition label occurrences in the most recent aggregation.",
		}, []string{"label"},
	)
	childCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "simctl",
			Subsystem: "child",
			Name:      "cpu_percent",
			Help:      "CPU usage of the running simulator.",
		},
	)
	childRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "simctl",
			Subsystem: "child",
			Name:      "rss_bytes",
			Help:      "Resident memory of the running simulator.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runStarts, runExits, runDuration, outputLines, checkpoints, advances, activeRuns, aggregations, transitions, childCPU, childRSS}
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

// Helpers below no-op until Register has been called.

func IncStart(mode string) {
	if regOK.Load() {
		runStarts.WithLabelValues(mode).Inc()
		activeRuns.Set(1)
	}
}

func ObserveExit(mode, result string, seconds float64) {
	if regOK.Load() {
		runExits.WithLabelValues(mode, result).Inc()
		runDuration.WithLabelValues(mode).Observe(seconds)
		activeRuns.Set(0)
		childCPU.Set(0)
		childRSS.Set(0)
	}
}

func IncLine(mode string) {
	if regOK.Load() {
		outputLines.WithLabelValues(mode).Inc()
	}
}

func IncCheckpoint() {
	if regOK.Load() {
		checkpoints.Inc()
	}
}

func IncAdvance() {
	if regOK.Load() {
		advances.Inc()
	}
}

func IncAggregation(result string) {
	if regOK.Load() {
		aggregations.WithLabelValues(result).Inc()
	}
}

// SetTransitions replaces the per-label gauges with counts.
func SetTransitions(counts map[string]int) {
	if regOK.Load() {
		transitions.Reset()
		for label, n := range counts {
			transitions.WithLabelValues(label).Set(float64(n))
		}
	}
}

func setChild(cpu float64, rss uint64) {
	if regOK.Load() {
		childCPU.Set(cpu)
		childRSS.Set(float64(rss))
	}
}
