// Package metrics exposes the ingestion engine's Prometheus counters
// and histograms as package-level vars registered at init, in the
// eager-registration style the rest of this codebase's telemetry
// uses: harmless to import even when nothing ever scrapes /metrics,
// and safe to call from hot paths since every exported function is a
// plain counter/histogram update with no locking of its own.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_resolution_decisions_total",
		Help: "Conflict resolution outcomes, labeled by outcome.",
	}, []string{"outcome"})

	resolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meridian_resolve_duration_seconds",
		Help:    "Time spent inside the conflict resolver per record.",
		Buckets: prometheus.DefBuckets,
	})

	localProduceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_local_produce_total",
		Help: "Records successfully produced to the local version topic.",
	})

	viewSinkErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_view_sink_errors_total",
		Help: "View fanout write failures, labeled by sink name.",
	}, []string{"sink"})

	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_transient_cache_hits_total",
		Help: "Transient cache lookups that found a recently resolved record.",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_transient_cache_misses_total",
		Help: "Transient cache lookups that fell through to storage.",
	})

	repairTasksEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_repair_tasks_enqueued_total",
		Help: "Remote ingestion repair tasks enqueued after a resubscribe failure.",
	})
	repairTasksExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_repair_tasks_exhausted_total",
		Help: "Repair tasks that gave up after exceeding their max attempts.",
	})

	partitionsReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meridian_partitions_ready_to_serve",
		Help: "Number of partitions currently marked ready to serve reads.",
	})

	poisonedRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_poisoned_records_total",
		Help: "Records skipped as unrecoverable, labeled by partition.",
	}, []string{"partition"})
)

func init() {
	prometheus.MustRegister(
		decisionsTotal,
		resolveDuration,
		localProduceTotal,
		viewSinkErrorsTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		repairTasksEnqueuedTotal,
		repairTasksExhaustedTotal,
		partitionsReady,
		poisonedRecordsTotal,
	)
}

func ObserveDecision(outcome string, took time.Duration) {
	decisionsTotal.WithLabelValues(outcome).Inc()
	resolveDuration.Observe(took.Seconds())
}

func ObserveLocalProduce() { localProduceTotal.Inc() }

func ObserveViewSinkError(sink string) { viewSinkErrorsTotal.WithLabelValues(sink).Inc() }

func ObserveCacheHit()  { cacheHitsTotal.Inc() }
func ObserveCacheMiss() { cacheMissesTotal.Inc() }

func ObserveRepairEnqueued() { repairTasksEnqueuedTotal.Inc() }
func ObserveRepairExhausted() { repairTasksExhaustedTotal.Inc() }

func SetPartitionsReady(n int) { partitionsReady.Set(float64(n)) }

func ObservePoisonedRecord(partition string) { poisonedRecordsTotal.WithLabelValues(partition).Inc() }

// Handler exposes the standard Prometheus scrape endpoint. Callers
// wire it into their own HTTP server; this package never starts its
// own listener.
func Handler() http.Handler { return promhttp.Handler() }
