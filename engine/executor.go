package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	log "github.com/sirupsen/logrus"

	"github.com/franksops/dmove/job"
	"github.com/franksops/dmove/provider"
)

var (
	// ErrSkipped is returned when the destination exists and may not be replaced.
	ErrSkipped = errors.New("destination exists, skipped")

	// ErrShortTransfer is returned when the source ended before its recorded size.
	ErrShortTransfer = errors.New("source ended before its recorded size")
)

// DefaultMaxRetries is the number of retries after a failed first attempt.
const DefaultMaxRetries = 3

// Executor runs jobs: it validates checkpoints, resolves overwrites and
// moves the bytes, either through a server-side copy or by streaming.
type Executor struct {
	registry  *provider.Registry
	tracker   *JobTracker
	resolver  *Resolver
	buffers   *BufferPool
	checksums *ChecksumPool

	maxRetries int
	verify     bool
	newBackOff func() backoff.BackOff
	newPoller  func() backoff.BackOff
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxRetries sets how many times a failed attempt is retried.
func WithMaxRetries(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithChecksum enables CRC64 verification of transfers that start at offset zero.
func WithChecksum(verify bool) ExecutorOption {
	return func(e *Executor) {
		e.verify = verify
	}
}

// WithBufferPool sets the pool whose buffer size is the checkpoint granularity.
func WithBufferPool(bp *BufferPool) ExecutorOption {
	return func(e *Executor) {
		e.buffers = bp
	}
}

// WithBackOff sets the schedules used between retries and between polls of
// server-side copies.
func WithBackOff(retry, poll func() backoff.BackOff) ExecutorOption {
	return func(e *Executor) {
		if retry != nil {
			e.newBackOff = retry
		}
		if poll != nil {
			e.newPoller = poll
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(registry *provider.Registry, tracker *JobTracker, resolver *Resolver, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:   registry,
		tracker:    tracker,
		resolver:   resolver,
		buffers:    NewBufferPool(DefaultBufferSize),
		checksums:  NewChecksumPool(),
		maxRetries: DefaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
		newPoller: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// isPermanent reports whether retrying cannot help.
func isPermanent(err error) bool {
	return errors.Is(err, ErrSkipped) ||
		errors.Is(err, ErrNoPrompt) ||
		errors.Is(err, job.ErrInvalidState) ||
		errors.Is(err, job.ErrInvalidArgument) ||
		errors.Is(err, provider.ErrNotExist) ||
		errors.Is(err, provider.ErrUnsupportedScheme)
}

// Execute runs the task's job to completion, retrying failed attempts. Each
// retry works on a copy of the previous attempt's job, which takes over in
// the tracker. The job must be registered with the tracker.
//
// A cancelled context leaves the job Transient with its progress saved, so
// a later run resumes it.
func (e *Executor) Execute(ctx context.Context, task Task) error {
	j := task.Job
	logger := log.WithFields(log.Fields{
		"job":         j.ID(),
		"source":      j.Source().String(),
		"destination": j.Destination().String(),
	})

	ActiveJobs.Inc()
	defer ActiveJobs.Dec()

	if err := e.tracker.MarkInProgress(j.ID()); err != nil {
		return err
	}

	current := j
	info := task.Info
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			current = current.Copy()
			if err := e.tracker.Replace(current); err != nil {
				return backoff.Permanent(err)
			}
			// listing metadata may be stale by now
			info = nil
		}

		err := e.attempt(ctx, current, info, logger.WithField("attempt", attempt))
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case isPermanent(err):
			return backoff.Permanent(err)
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Transfer attempt failed")
		if ferr := e.tracker.Flush(current.ID()); ferr != nil {
			logger.WithError(ferr).Warn("Failed to save job after failed attempt")
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.maxRetries)), ctx)
	err := backoff.Retry(op, b)

	switch {
	case err == nil:
		if serr := current.SetStatus(job.StatusFinished); serr != nil {
			return serr
		}
		JobsTotal.WithLabelValues(labelFinished).Inc()
		logger.WithField("bytes", current.Checkpoint().TotalSize()).Info("Transfer complete")
		return e.tracker.MarkCompleted(current.ID())

	case ctx.Err() != nil:
		logger.Info("Transfer interrupted, progress saved")
		if ferr := e.tracker.Flush(current.ID()); ferr != nil {
			logger.WithError(ferr).Warn("Failed to save interrupted job")
		}
		return ctx.Err()

	case errors.Is(err, ErrSkipped):
		_ = current.SetStatus(job.StatusFailed)
		JobsTotal.WithLabelValues(labelSkipped).Inc()
		logger.Info("Destination exists, skipping")
		if merr := e.tracker.MarkSkipped(current.ID()); merr != nil {
			return merr
		}
		return err

	default:
		_ = current.SetStatus(job.StatusFailed)
		JobsTotal.WithLabelValues(labelFailed).Inc()
		logger.WithError(err).Error("Transfer failed")
		if merr := e.tracker.MarkFailed(current.ID(), err); merr != nil {
			logger.WithError(merr).Warn("Failed to save failed job")
		}
		return err
	}
}

// endpoint is a Location resolved to its provider.
type endpoint struct {
	loc  job.Location
	p    provider.Provider
	path string
}

func (e *Executor) resolve(ctx context.Context, loc job.Location) (endpoint, error) {
	p, pth, err := e.registry.Resolve(ctx, loc)
	if err != nil {
		return endpoint{}, err
	}
	return endpoint{loc: loc, p: p, path: pth}, nil
}

// sourceToken returns the current validation token of the source, falling
// back to listing metadata for providers without a stronger fingerprint.
func sourceToken(ctx context.Context, src endpoint, info provider.FileInfo) (job.ValidationToken, error) {
	if tp, ok := src.p.(provider.TokenProvider); ok {
		return tp.ValidationToken(ctx, src.path)
	}
	return provider.TokenFromInfo(info), nil
}

func (e *Executor) attempt(ctx context.Context, j *job.Job, info provider.FileInfo, logger *log.Entry) error {
	if err := j.SetStatus(job.StatusTransient); err != nil {
		return err
	}

	src, err := e.resolve(ctx, j.Source())
	if err != nil {
		return err
	}
	dst, err := e.resolve(ctx, j.Destination())
	if err != nil {
		return err
	}

	if info == nil {
		if info, err = src.p.Stat(ctx, src.path); err != nil {
			return fmt.Errorf("failed to stat source: %w", err)
		}
	}
	token, err := sourceToken(ctx, src, info)
	if err != nil {
		return fmt.Errorf("failed to fingerprint source: %w", err)
	}

	cp := j.Checkpoint()
	if !cp.HasToken() {
		if err := cp.Begin(token, info.Size()); err != nil {
			return err
		}
	} else if err := cp.Verify(token); err != nil {
		logger.WithError(err).Warn("Source changed since checkpoint, restarting")
		StaleCheckpoints.Inc()
		e.abandonCopy(ctx, j, dst, logger)
		if err := cp.Reset(); err != nil {
			return err
		}
		if err := cp.Begin(token, info.Size()); err != nil {
			return err
		}
	}

	var dstInfo provider.FileInfo
	decided := j.Overwrite().Decided()
	if !decided {
		dstInfo, err = dst.p.Stat(ctx, dst.path)
		if errors.Is(err, provider.ErrNotExist) {
			dstInfo, err = nil, nil
		}
		if err != nil {
			return fmt.Errorf("failed to stat destination: %w", err)
		}
	}
	overwrite, err := e.resolver.Resolve(ctx, j, info, dstInfo)
	if err != nil {
		return err
	}
	if !overwrite {
		return ErrSkipped
	}
	// A restart must find the decision before it finds our partial output.
	if !decided {
		if err := e.tracker.Flush(j.ID()); err != nil {
			return fmt.Errorf("failed to save overwrite decision: %w", err)
		}
	}

	contentType := ""
	if j.Attached() {
		contentType, _ = j.ContentType()
	}

	if copier, ok := dst.p.(provider.AsyncCopier); ok && (j.HasCopyID() || src.loc.SameService(dst.loc)) {
		return e.copyAsync(ctx, j, copier, contentType, logger)
	}
	return e.stream(ctx, j, src, dst, info, contentType, logger)
}

// abandonCopy drops a server-side copy that no longer matches the source.
func (e *Executor) abandonCopy(ctx context.Context, j *job.Job, dst endpoint, logger *log.Entry) {
	copyID := j.CopyID()
	if copyID == "" {
		return
	}
	if copier, ok := dst.p.(provider.AsyncCopier); ok {
		if err := copier.AbortCopy(ctx, dst.loc, copyID); err != nil && !errors.Is(err, provider.ErrCopyNotFound) {
			logger.WithError(err).WithField("copy_id", copyID).Warn("Failed to abort stale copy")
		}
	}
	_ = j.ClearCopyID()
}

// copyAsync drives a server-side copy. A new copy's ID is saved before the
// first poll so a restart continues the same operation.
func (e *Executor) copyAsync(ctx context.Context, j *job.Job, copier provider.AsyncCopier, contentType string, logger *log.Entry) error {
	if !j.HasCopyID() {
		copyID, err := copier.StartCopy(ctx, j.Source(), j.Destination(), contentType)
		if err != nil {
			return fmt.Errorf("failed to start server-side copy: %w", err)
		}
		if err := j.SetCopyID(copyID); err != nil {
			return err
		}
		if err := e.tracker.Flush(j.ID()); err != nil {
			return fmt.Errorf("failed to save copy id: %w", err)
		}
		logger.WithField("copy_id", copyID).Info("Started server-side copy")
	} else {
		logger.WithField("copy_id", j.CopyID()).Info("Continuing server-side copy")
	}

	poller := backoff.WithContext(e.newPoller(), ctx)
	poller.Reset()
	for {
		st, err := copier.ContinueCopy(ctx, j.Source(), j.Destination(), j.CopyID(), j.Checkpoint().Token().ETag)
		AsyncCopyPolls.Inc()
		if errors.Is(err, job.ErrStaleCheckpoint) {
			logger.WithField("copy_id", j.CopyID()).Warn("Source changed during server-side copy")
			return err
		}
		if errors.Is(err, provider.ErrCopyNotFound) {
			logger.WithField("copy_id", j.CopyID()).Warn("Server-side copy is gone, starting a new one")
			if cerr := j.ClearCopyID(); cerr != nil {
				return cerr
			}
			return err
		}
		if err != nil {
			return err
		}

		if st.BytesCopied > 0 {
			if err := j.Checkpoint().RecordCompleted(job.Range{Offset: 0, Length: st.BytesCopied}); err != nil {
				return err
			}
		}
		if st.Done {
			return nil
		}

		wait := poller.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// abortableWriter is implemented by writers that can discard what was
// written instead of committing it on Close.
type abortableWriter interface {
	CloseWithError(error) error
}

func abort(w io.WriteCloser, cause error) {
	if aw, ok := w.(abortableWriter); ok {
		_ = aw.CloseWithError(cause)
		return
	}
	_ = w.Close()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// stream copies the source through the worker, resuming after the
// contiguous completed prefix when both ends allow it.
func (e *Executor) stream(ctx context.Context, j *job.Job, src, dst endpoint, info provider.FileInfo, contentType string, logger *log.Entry) error {
	cp := j.Checkpoint()
	total := cp.TotalSize()
	offset := cp.NextOffset()

	rr, canRead := src.p.(provider.RangeReader)
	rw, canWrite := dst.p.(provider.ResumableWriter)
	if offset > 0 && !(canRead && canWrite) {
		logger.WithField("offset", offset).Info("Destination cannot resume, restarting from zero")
		if err := cp.Begin(cp.Token(), total); err != nil {
			return err
		}
		offset = 0
	}
	if offset > 0 && cp.IsComplete(total) {
		logger.Debug("All bytes already written")
		return nil
	}
	if offset > 0 {
		logger.WithField("offset", offset).Info("Resuming transfer")
	}

	var (
		r   io.ReadCloser
		err error
	)
	if offset > 0 {
		r, err = rr.OpenReadAt(ctx, src.path, offset)
	} else {
		r, err = src.p.OpenRead(ctx, src.path)
	}
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer r.Close()

	var sum *ChecksumReader
	reader := io.Reader(r)
	if e.verify && offset == 0 {
		sum = NewChecksumReader(r)
		reader = sum
	}

	bufp := e.buffers.Get()
	defer e.buffers.Put(bufp)
	buf := *bufp

	n, rerr := io.ReadFull(reader, buf)
	if rerr != nil && !isEOF(rerr) {
		return fmt.Errorf("failed to read source: %w", rerr)
	}
	if offset == 0 && contentType == "" && n > 0 {
		contentType = mimetype.Detect(buf[:n]).String()
	}

	info = provider.WithMetadata(info, e.destinationMetadata(ctx, src, dst, logger))
	w, err := e.openWriter(ctx, dst, rw, offset, info, contentType)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}
	tw := e.tracker.NewTrackedWriter(w, j, offset)

	for {
		if n > 0 {
			if _, err := tw.Write(buf[:n]); err != nil {
				abort(w, err)
				return fmt.Errorf("failed to write destination: %w", err)
			}
		}
		if rerr != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			abort(w, err)
			return err
		}
		n, rerr = io.ReadFull(reader, buf)
		if rerr != nil && !isEOF(rerr) {
			abort(w, rerr)
			return fmt.Errorf("failed to read source: %w", rerr)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize destination: %w", err)
	}
	if total >= 0 && !cp.IsComplete(total) {
		return fmt.Errorf("%w: wrote up to %d of %d bytes", ErrShortTransfer, tw.Offset(), total)
	}

	if sum != nil {
		return e.verifyDestination(ctx, j, dst, sum.Checksum())
	}
	return nil
}

// destinationMetadata returns the user metadata to store with the
// destination: the source's, overlaid by the destination Location's.
func (e *Executor) destinationMetadata(ctx context.Context, src, dst endpoint, logger *log.Entry) map[string]string {
	md := make(map[string]string)
	if mr, ok := src.p.(provider.MetadataReader); ok {
		srcMD, err := mr.Metadata(ctx, src.path)
		if err != nil {
			logger.WithError(err).Warn("Failed to read source metadata")
		}
		for k, v := range srcMD {
			md[k] = v
		}
	}
	for k, v := range dst.loc.Metadata() {
		md[k] = v
	}
	return md
}

func (e *Executor) openWriter(ctx context.Context, dst endpoint, rw provider.ResumableWriter, offset int64, info provider.FileInfo, contentType string) (io.WriteCloser, error) {
	if offset > 0 {
		return rw.OpenWriteAt(ctx, dst.path, offset, info)
	}
	if ctw, ok := dst.p.(provider.ContentTypeWriter); ok && contentType != "" {
		return ctw.OpenWriteWithType(ctx, dst.path, info, contentType)
	}
	return dst.p.OpenWrite(ctx, dst.path, info)
}

// verifyDestination reads the destination back and compares its CRC64 with
// the bytes read from the source. A mismatch discards the progress.
func (e *Executor) verifyDestination(ctx context.Context, j *job.Job, dst endpoint, want uint64) error {
	r, err := dst.p.OpenRead(ctx, dst.path)
	if err != nil {
		return fmt.Errorf("failed to open destination for verification: %w", err)
	}
	defer r.Close()

	got, _, err := e.checksums.Sum(r)
	if err != nil {
		return fmt.Errorf("failed to read destination for verification: %w", err)
	}
	if got != want {
		cp := j.Checkpoint()
		_ = cp.Begin(cp.Token(), cp.TotalSize())
		return fmt.Errorf("%w: source %016x, destination %016x", ErrChecksumMismatch, want, got)
	}
	return nil
}
