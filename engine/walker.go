package engine

import (
	"context"
	"errors"
	"fmt"
	"path"

	log "github.com/sirupsen/logrus"

	"github.com/franksops/dmove/job"
	"github.com/franksops/dmove/provider"
	"github.com/franksops/dmove/store"
)

// Walker enumerates the source of a transfer iteratively and queues one job
// per object. It avoids deep recursion to prevent stack overflows on very
// deep directory structures.
type Walker struct {
	registry *provider.Registry
	tracker  *JobTracker
	store    store.Store
	jobChan  JobChannel
}

// NewWalker creates a new iterative directory walker.
func NewWalker(registry *provider.Registry, tracker *JobTracker, st store.Store, jobChan JobChannel) *Walker {
	return &Walker{
		registry: registry,
		tracker:  tracker,
		store:    st,
		jobChan:  jobChan,
	}
}

func pairKey(src, dst string) string {
	return src + "\x00" + dst
}

// Walk saves tr and queues a job for every object below its source. Pairs
// already completed or skipped in the store are left alone; unfinished
// pairs are queued with their stored job so they resume. It returns the
// number of queued jobs.
func (w *Walker) Walk(ctx context.Context, tr *job.Transfer) (int, error) {
	if err := w.store.SaveTransfer(tr); err != nil {
		return 0, fmt.Errorf("failed to save transfer %s: %w", tr.ID(), err)
	}

	known, err := w.knownPairs()
	if err != nil {
		return 0, err
	}

	srcRoot, dstRoot := tr.Source(), tr.Destination()
	src, srcPath, err := w.registry.Resolve(ctx, srcRoot)
	if err != nil {
		return 0, err
	}

	var stat provider.FileInfo
	if srcRoot.Kind() != job.KindCloudDirectory {
		stat, err = src.Stat(ctx, srcPath)
		if err != nil {
			return 0, fmt.Errorf("failed to stat source %s: %w", srcRoot, err)
		}
	}

	// If the root itself is just a file, we send one job and return.
	if stat != nil && !stat.IsDir() {
		dst, err := w.fileDestination(ctx, dstRoot, stat.Name())
		if err != nil {
			return 0, err
		}
		queued, err := w.enqueue(ctx, tr, srcRoot, dst, stat, known)
		if err != nil {
			return 0, err
		}
		if queued {
			return 1, nil
		}
		return 0, nil
	}

	// Paths on the stack are relative to the source root.
	stack := []string{""}
	count := 0

	for len(stack) > 0 {
		// Check for cancellation
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}

		// Pop item
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dir := srcRoot
		if rel != "" {
			dir = srcRoot.Child(rel, true)
		}
		entries, err := src.List(ctx, dir.Path())
		if err != nil {
			return count, fmt.Errorf("failed to list directory %s: %w", dir, err)
		}

		for _, entry := range entries {
			entryRel := path.Join(rel, entry.Name())
			if entry.IsDir() {
				stack = append(stack, entryRel)
				continue
			}

			queued, err := w.enqueue(ctx, tr, srcRoot.Child(entryRel, false), dstRoot.Child(entryRel, false), entry, known)
			if err != nil {
				return count, err
			}
			if queued {
				count++
			}
		}
	}

	return count, nil
}

// fileDestination places a single source file inside dst when dst is a
// directory.
func (w *Walker) fileDestination(ctx context.Context, dst job.Location, name string) (job.Location, error) {
	if dst.Kind() == job.KindCloudDirectory {
		return dst.Child(name, false), nil
	}
	if dst.Kind() != job.KindLocalPath {
		return dst, nil
	}

	p, dstPath, err := w.registry.Resolve(ctx, dst)
	if err != nil {
		return job.Location{}, err
	}
	info, err := p.Stat(ctx, dstPath)
	switch {
	case err == nil && info.IsDir():
		return dst.Child(name, false), nil
	case err == nil, errors.Is(err, provider.ErrNotExist):
		return dst, nil
	default:
		return job.Location{}, fmt.Errorf("failed to stat destination %s: %w", dst, err)
	}
}

// knownPairs maps source/destination pairs in the store to their records.
func (w *Walker) knownPairs() (map[string]*store.JobRecord, error) {
	recs, err := w.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("failed to list stored jobs: %w", err)
	}
	known := make(map[string]*store.JobRecord, len(recs))
	for _, rec := range recs {
		known[pairKey(rec.Source, rec.Destination)] = rec
	}
	return known, nil
}

func (w *Walker) enqueue(ctx context.Context, tr *job.Transfer, src, dst job.Location, info provider.FileInfo, known map[string]*store.JobRecord) (bool, error) {
	logger := log.WithFields(log.Fields{"source": src.String(), "destination": dst.String()})

	j, rec := w.resumable(known[pairKey(src.String(), dst.String())], logger)
	switch {
	case rec != nil && rec.State.Done():
		logger.WithField("state", rec.State).Debug("Already done, not queueing")
		return false, nil
	case j == nil:
		var err error
		if j, err = job.New(src, dst); err != nil {
			return false, err
		}
		if err := j.Attach(tr); err != nil {
			return false, err
		}
		rec = &store.JobRecord{
			ID:          j.ID(),
			TransferID:  tr.ID(),
			Source:      src.String(),
			Destination: dst.String(),
			State:       store.StatePending,
			TotalBytes:  info.Size(),
		}
	default:
		logger.WithField("job", j.ID()).Info("Resuming stored job")
	}

	if err := w.tracker.Register(rec, j); err != nil {
		return false, fmt.Errorf("failed to save job %s: %w", j.ID(), err)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case w.jobChan <- Task{Job: j, Info: info}:
		return true, nil
	}
}

// resumable loads the stored job for rec. Done records come back without a
// job; unreadable jobs are dropped so a fresh one replaces them.
func (w *Walker) resumable(rec *store.JobRecord, logger *log.Entry) (*job.Job, *store.JobRecord) {
	if rec == nil {
		return nil, nil
	}
	if rec.State.Done() {
		return nil, rec
	}

	_, j, err := w.store.GetJob(rec.ID)
	if err != nil {
		logger.WithError(err).Warn("Stored job unreadable, starting over")
		if derr := w.store.DeleteJob(rec.ID); derr != nil {
			logger.WithError(derr).Warn("Failed to delete unreadable job")
		}
		return nil, nil
	}
	return j, rec
}
