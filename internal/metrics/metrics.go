// Package metrics holds the Prometheus collectors shared by the supervisor
// process and served at /metrics.
//
//   - botfleet_write_tasks_total{result}      – write tasks applied (ok|error|rejected)
//   - botfleet_write_queue_depth               – tasks waiting for the writer
//   - botfleet_write_task_seconds              – time from dequeue to commit
//   - botfleet_history_rows_flushed_total      – reward samples persisted in batches
//   - botfleet_respawns_total                  – continuous-mode respawns
//   - botfleet_storm_cutoffs_total             – groups stopped by the restart-storm guard
//   - botfleet_live_bots                       – tracked worker processes
//   - botfleet_checkpoints_total{mode,result}  – WAL checkpoints
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WriteTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_write_tasks_total",
			Help: "Write tasks processed by the single writer",
		},
		[]string{"result"},
	)

	WriteQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "botfleet_write_queue_depth",
			Help: "Write tasks waiting in the queue",
		},
	)

	WriteTaskSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "botfleet_write_task_seconds",
			Help:    "Duration of a write task transaction",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	HistoryRowsFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botfleet_history_rows_flushed_total",
			Help: "Bandit reward samples persisted by the history batcher",
		},
	)

	Respawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botfleet_respawns_total",
			Help: "Continuous-mode worker respawns",
		},
	)

	StormCutoffs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "botfleet_storm_cutoffs_total",
			Help: "Continuous groups stopped by the restart-storm guard",
		},
	)

	LiveBots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "botfleet_live_bots",
			Help: "Worker processes currently tracked by the supervisor",
		},
	)

	Checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_checkpoints_total",
			Help: "WAL checkpoints by mode and result",
		},
		[]string{"mode", "result"},
	)

	ReconciledOrphans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botfleet_reconciled_total",
			Help: "Cleanup actions taken by reconciliation",
		},
		[]string{"kind"}, // session | pid | quota
	)
)

func init() {
	prometheus.MustRegister(
		WriteTasks,
		WriteQueueDepth,
		WriteTaskSeconds,
		HistoryRowsFlushed,
		Respawns,
		StormCutoffs,
		LiveBots,
		Checkpoints,
		ReconciledOrphans,
	)
}
