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

	historyStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "histd",
			Subsystem: "history",
			Name:      "starts_total",
			Help:      "Number of commands registered as running.",
		},
	)
	historyEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "histd",
			Subsystem: "history",
			Name:      "ends_total",
			Help:      "Number of end requests by result (ok, not_found, storage_error).",
		}, []string{"result"},
	)
	historyRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "histd",
			Subsystem: "history",
			Name:      "running",
			Help:      "Commands currently started and not yet ended.",
		},
	)
	historyEndDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "histd",
			Subsystem: "history",
			Name:      "end_seconds",
			Help:      "Time spent persisting a finished command.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	logAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "histd",
			Subsystem: "log",
			Name:      "appends_total",
			Help:      "Entries appended to the local log.",
		},
	)
	logNextIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "histd",
			Subsystem: "log",
			Name:      "next_index",
			Help:      "Next index per host in the local log.",
		}, []string{"host"},
	)
	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "histd",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync rounds by result (ok, error).",
		}, []string{"result"},
	)
	syncEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "histd",
			Subsystem: "sync",
			Name:      "entries_total",
			Help:      "Entries transferred by direction (push, pull).",
		}, []string{"direction"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{historyStarts, historyEnds, historyRunning, historyEndDuration, logAppends, logNextIndex, syncRuns, syncEntries}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart() {
	if regOK.Load() {
		historyStarts.Inc()
	}
}

func IncEnd(result string) {
	if regOK.Load() {
		historyEnds.WithLabelValues(result).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		historyRunning.Set(float64(n))
	}
}

func ObserveEnd(seconds float64) {
	if regOK.Load() {
		historyEndDuration.Observe(seconds)
	}
}

// IncAppend records a local append that produced index idx.
func IncAppend(host string, idx uint64) {
	if regOK.Load() {
		logAppends.Inc()
		logNextIndex.WithLabelValues(host).Set(float64(idx + 1))
	}
}

func SetNextIndex(host string, next uint64) {
	if regOK.Load() {
		logNextIndex.WithLabelValues(host).Set(float64(next))
	}
}

func IncSyncRun(result string) {
	if regOK.Load() {
		syncRuns.WithLabelValues(result).Inc()
	}
}

func AddSyncEntries(direction string, n int) {
	if regOK.Load() && n > 0 {
		syncEntries.WithLabelValues(direction).Add(float64(n))
	}
}
