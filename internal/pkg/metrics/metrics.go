// Package metrics exposes Prometheus instrumentation for the watch loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fliqwatch_cycles_total",
		Help: "Total watch cycles run",
	})

	FetchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fliqwatch_fetch_failures_total",
		Help: "Cycles where the Fliq question API was unavailable",
	})

	MarketsDetectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fliqwatch_markets_detected_total",
		Help: "Markets detected by the change detector, by kind",
	}, []string{"kind"}) // new, updated, removed

	DispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fliqwatch_dispatches_total",
		Help: "Dispatch outcomes, by result",
	}, []string{"result"}) // sent, failed, skipped

	MarketsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fliqwatch_markets_tracked",
		Help: "Markets currently in the seen store",
	})

	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fliqwatch_cycle_duration_seconds",
		Help:    "Duration of one fetch-detect-dispatch-persist cycle",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		FetchFailuresTotal,
		MarketsDetectedTotal,
		DispatchesTotal,
		MarketsTracked,
		CycleDuration,
	)
}
