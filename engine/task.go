package engine

import (
	"github.com/franksops/dmove/job"
	"github.com/franksops/dmove/provider"
)

// Task is a job queued for execution.
type Task struct {
	// Job is the transfer to run. The worker that receives the task owns it.
	Job *job.Job

	// Info is the source listing entry the job was created from. It is nil
	// for jobs reloaded from the state store.
	Info provider.FileInfo
}

// JobChannel is a channel used to queue and dispatch Tasks to workers
// in the worker pool.
type JobChannel chan Task
