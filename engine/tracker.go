package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/franksops/dmove/job"
	"github.com/franksops/dmove/store"
)

// ErrJobNotTracked is returned for operations on a job the tracker does not know.
var ErrJobNotTracked = errors.New("job not tracked")

// CheckpointConfig defines the criteria for when to save a job's state
type CheckpointConfig struct {
	// BytesInterval triggers a save after this many bytes have been transferred
	BytesInterval int64
	// TimeInterval is the period of the background flush of active jobs
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 10 * 1024 * 1024, // 10 MB
	TimeInterval:  5 * time.Second,
}

type trackedJob struct {
	rec *store.JobRecord
	job *job.Job
}

// JobProgress is a point-in-time view of a tracked job.
type JobProgress struct {
	ID               string
	Source           string
	Destination      string
	Status           job.Status
	State            store.JobState
	BytesTransferred int64
	TotalBytes       int64
	CopyID           string
	Error            string
}

// JobTracker keeps the live jobs and their store records together and
// persists them on state changes, on byte thresholds and periodically.
type JobTracker struct {
	store  store.Store
	config CheckpointConfig

	// mu also serializes saves, since the store updates the record it is given.
	mu   sync.Mutex
	jobs map[string]*trackedJob
}

// NewJobTracker creates a new JobTracker
func NewJobTracker(store store.Store, config CheckpointConfig) *JobTracker {
	if config.BytesInterval <= 0 {
		config.BytesInterval = DefaultCheckpointConfig.BytesInterval
	}
	if config.TimeInterval <= 0 {
		config.TimeInterval = DefaultCheckpointConfig.TimeInterval
	}
	return &JobTracker{
		store:  store,
		config: config,
		jobs:   make(map[string]*trackedJob),
	}
}

// Register starts tracking j and saves it. A nil rec creates a Pending
// record for the job.
func (jt *JobTracker) Register(rec *store.JobRecord, j *job.Job) error {
	if rec == nil {
		rec = &store.JobRecord{
			ID:          j.ID(),
			Source:      j.Source().String(),
			Destination: j.Destination().String(),
			State:       store.StatePending,
			TotalBytes:  j.Checkpoint().TotalSize(),
		}
	}
	if rec.ID != j.ID() {
		return fmt.Errorf("record id %q does not match job %q", rec.ID, j.ID())
	}

	jt.mu.Lock()
	defer jt.mu.Unlock()
	jt.jobs[j.ID()] = &trackedJob{rec: rec, job: j}
	return jt.store.SaveJob(rec, j)
}

// Replace swaps in a new instance of a tracked job, as made by job.Copy
// for a retry. Later flushes persist the new instance.
func (jt *JobTracker) Replace(j *job.Job) error {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	tj, ok := jt.jobs[j.ID()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotTracked, j.ID())
	}
	tj.job = j
	return nil
}

// Unregister stops tracking a job. Its last saved state stays in the store.
func (jt *JobTracker) Unregister(id string) {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	delete(jt.jobs, id)
}

// Tracked reports whether the job with id is tracked.
func (jt *JobTracker) Tracked(id string) bool {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	_, ok := jt.jobs[id]
	return ok
}

// Flush saves the current state of a job.
func (jt *JobTracker) Flush(id string) error {
	return jt.update(id, nil)
}

func (jt *JobTracker) update(id string, fn func(*store.JobRecord)) error {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	tj, ok := jt.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotTracked, id)
	}
	if fn != nil {
		fn(tj.rec)
	}
	if total := tj.job.Checkpoint().TotalSize(); total >= 0 {
		tj.rec.TotalBytes = total
	}
	return jt.store.SaveJob(tj.rec, tj.job)
}

// FlushAll saves every tracked job that is not done.
func (jt *JobTracker) FlushAll() error {
	jt.mu.Lock()
	ids := make([]string, 0, len(jt.jobs))
	for id, tj := range jt.jobs {
		if !tj.rec.State.Done() {
			ids = append(ids, id)
		}
	}
	jt.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := jt.Flush(id); err != nil && !errors.Is(err, ErrJobNotTracked) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkInProgress updates a job's state to InProgress
func (jt *JobTracker) MarkInProgress(id string) error {
	return jt.update(id, func(rec *store.JobRecord) {
		rec.State = store.StateInProgress
		rec.Error = ""
	})
}

// MarkCompleted updates a job's state to Completed
func (jt *JobTracker) MarkCompleted(id string) error {
	return jt.update(id, func(rec *store.JobRecord) {
		rec.State = store.StateCompleted
		rec.Error = ""
	})
}

// MarkFailed updates a job's state to Failed with an error message
func (jt *JobTracker) MarkFailed(id string, err error) error {
	return jt.update(id, func(rec *store.JobRecord) {
		rec.State = store.StateFailed
		if err != nil {
			rec.Error = err.Error()
		}
	})
}

// MarkSkipped records that the destination was kept.
func (jt *JobTracker) MarkSkipped(id string) error {
	return jt.update(id, func(rec *store.JobRecord) {
		rec.State = store.StateSkipped
	})
}

// Snapshot returns the progress of every tracked job ordered by ID.
func (jt *JobTracker) Snapshot() []JobProgress {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	out := make([]JobProgress, 0, len(jt.jobs))
	for _, tj := range jt.jobs {
		cp := tj.job.Checkpoint()
		total := cp.TotalSize()
		if total < 0 {
			total = tj.rec.TotalBytes
		}
		out = append(out, JobProgress{
			ID:               tj.rec.ID,
			Source:           tj.rec.Source,
			Destination:      tj.rec.Destination,
			Status:           tj.job.Status(),
			State:            tj.rec.State,
			BytesTransferred: cp.CompletedBytes(),
			TotalBytes:       total,
			CopyID:           tj.job.CopyID(),
			Error:            tj.rec.Error,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Run flushes active jobs every TimeInterval until ctx is done, then
// flushes once more.
func (jt *JobTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(jt.config.TimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := jt.FlushAll(); err != nil {
				log.WithError(err).Warn("Final checkpoint flush failed")
			}
			return
		case <-ticker.C:
			if err := jt.FlushAll(); err != nil {
				log.WithError(err).Warn("Periodic checkpoint flush failed")
			}
		}
	}
}

// TrackedWriter wraps an io.Writer and records every successful write as a
// completed range of the job's checkpoint.
type TrackedWriter struct {
	io.Writer
	tracker *JobTracker
	job     *job.Job

	mu             sync.Mutex
	offset         int64
	lastCheckpoint int64
}

// NewTrackedWriter creates a TrackedWriter whose first write lands at offset.
func (jt *JobTracker) NewTrackedWriter(w io.Writer, j *job.Job, offset int64) *TrackedWriter {
	return &TrackedWriter{
		Writer:         w,
		tracker:        jt,
		job:            j,
		offset:         offset,
		lastCheckpoint: offset,
	}
}

// Write implements io.Writer and checkpoints progress
func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.Writer.Write(p)
	if n <= 0 {
		return n, err
	}

	tw.mu.Lock()
	r := job.Range{Offset: tw.offset, Length: int64(n)}
	tw.offset += int64(n)
	needsCheckpoint := tw.offset-tw.lastCheckpoint >= tw.tracker.config.BytesInterval
	if needsCheckpoint {
		tw.lastCheckpoint = tw.offset
	}
	tw.mu.Unlock()

	BytesTransferred.Add(float64(n))
	if rerr := tw.job.Checkpoint().RecordCompleted(r); rerr != nil && err == nil {
		err = rerr
	}

	if needsCheckpoint {
		// Log and continue, it is just a checkpoint
		if ferr := tw.tracker.Flush(tw.job.ID()); ferr != nil {
			log.WithError(ferr).WithField("job", tw.job.ID()).Warn("Checkpoint save failed")
		}
	}
	return n, err
}

// Offset returns the position of the next write.
func (tw *TrackedWriter) Offset() int64 {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.offset
}
