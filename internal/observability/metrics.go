package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ecoprogress"

var (
	estimationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "estimator",
		Name:      "estimations_total",
		Help:      "Emission estimates produced, labelled by the path that produced them.",
	}, []string{"source"})
	estimationDegradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "estimator",
		Name:      "estimation_degraded_total",
		Help:      "Predictor calls that fell back to the static factor table.",
	}, []string{"reason"})
	syncBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "progression",
		Name:      "sync_batches_total",
		Help:      "Progression drains, labelled by outcome.",
	}, []string{"result"})
	activitiesProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "progression",
		Name:      "activities_processed_total",
		Help:      "Activities folded into a progression aggregate.",
	})
	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "progression",
		Name:      "sync_duration_seconds",
		Help:      "Latency of a progression drain including persistence.",
		Buckets:   prometheus.DefBuckets,
	})
	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity persisted.",
	})
	activityProcessedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "persistence",
		Name:      "last_activity_processed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity transitioned to processed.",
	})
)

func init() {
	prometheus.MustRegister(
		estimationsTotal,
		estimationDegradedTotal,
		syncBatchesTotal,
		activitiesProcessedTotal,
		syncDuration,
		activityPersistGauge,
		activityProcessedGauge,
	)
}

// RecordEstimation counts one footprint estimate.
func RecordEstimation(source string) {
	estimationsTotal.WithLabelValues(source).Inc()
}

// RecordEstimationDegraded counts one predictor fallback.
func RecordEstimationDegraded(reason string) {
	estimationDegradedTotal.WithLabelValues(reason).Inc()
}

// RecordSyncBatch records the outcome of a progression drain.
func RecordSyncBatch(result string, processed int, elapsed time.Duration) {
	syncBatchesTotal.WithLabelValues(result).Inc()
	if processed > 0 {
		activitiesProcessedTotal.Add(float64(processed))
	}
	syncDuration.Observe(elapsed.Seconds())
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}

// RecordActivityProcessed updates the processed watermark gauge.
func RecordActivityProcessed(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityProcessedGauge.Set(float64(ts.Unix()))
}
