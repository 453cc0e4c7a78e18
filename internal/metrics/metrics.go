package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors for the sidecar lifecycle. Registered
// via Register; all helpers no-op until then.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "launches_total",
			Help:      "Number of backend launch attempts.",
		},
	)
	readyTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "ready_total",
			Help:      "Number of successful transitions to Ready.",
		},
	)
	startupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "startup_failures_total",
			Help:      "Startup failures by kind (runtime_not_found, provisioning, crash, timeout).",
		}, []string{"kind"},
	)
	shutdowns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "shutdowns_total",
			Help:      "Number of completed shutdowns.",
		},
	)
	forceKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "force_kills_total",
			Help:      "Shutdowns that escalated past the grace period to a kill.",
		},
	)
	indexingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "indexing",
			Name:      "outcomes_total",
			Help:      "Indexing outcomes (complete, skipped, failed).",
		}, []string{"outcome"},
	)
	startupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "startup_duration_seconds",
			Help:      "Wall time from launch to Ready.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// an AlreadyRegisteredError is tolerated so the default registry can be
// shared with other instrumentation.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		launches, readyTransitions, startupFailures, shutdowns, forceKills,
		indexingOutcomes, startupDuration, currentState,
	}
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

// Handler serves the default gatherer; the embedding wires the route.
func Handler() http.Handler { return promhttp.Handler() }

func IncLaunch() {
	if regOK.Load() {
		launches.Inc()
	}
}

func IncReady() {
	if regOK.Load() {
		readyTransitions.Inc()
	}
}

func IncStartupFailure(kind string) {
	if regOK.Load() {
		startupFailures.WithLabelValues(kind).Inc()
	}
}

func IncShutdown() {
	if regOK.Load() {
		shutdowns.Inc()
	}
}

func IncForceKill() {
	if regOK.Load() {
		forceKills.Inc()
	}
}

func ObserveIndexing(outcome string) {
	if regOK.Load() {
		indexingOutcomes.WithLabelValues(outcome).Inc()
	}
}

func ObserveStartupDuration(seconds float64) {
	if regOK.Load() {
		startupDuration.Observe(seconds)
	}
}

// SetState marks one state active and clears the previous one.
func SetState(prev, next string) {
	if !regOK.Load() {
		return
	}
	if prev != "" {
		currentState.WithLabelValues(prev).Set(0)
	}
	if next != "" {
		currentState.WithLabelValues(next).Set(1)
	}
}
