package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// label values for JobsTotal
const (
	labelFinished = "finished"
	labelFailed   = "failed"
	labelSkipped  = "skipped"
)

var (
	// JobsTotal counts jobs that reached a final outcome, by outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmove_jobs_total",
		Help: "Number of transfer jobs that finished, failed or were skipped",
	}, []string{"status"})

	// BytesTransferred counts bytes written by streaming transfers.
	BytesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmove_bytes_transferred_total",
		Help: "Number of bytes written to destinations",
	})

	// StaleCheckpoints counts checkpoints discarded because the source changed.
	StaleCheckpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmove_stale_checkpoints_total",
		Help: "Number of checkpoints discarded because the source changed",
	})

	// AsyncCopyPolls counts status requests made for server-side copies.
	AsyncCopyPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmove_async_copy_polls_total",
		Help: "Number of progress requests sent for server-side copies",
	})

	// ActiveJobs is the number of jobs currently being executed.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmove_active_jobs",
		Help: "Number of transfer jobs currently executing",
	})
)
