// Package job holds the transfer job model: the unit of work that moves one
// object between two Locations, its resumable Checkpoint, and the codecs used
// to persist both across process restarts.
package job

import (
	"sync"

	"github.com/google/uuid"
)

// Job is the transfer of a single file or blob from Source to Destination.
//
// A Job is owned by one worker at a time. Handing it to another worker, for
// example on retry, goes through Copy so the two never share mutable
// progress. Reads are safe while the owner mutates, which lets a background
// flush persist an active job.
type Job struct {
	mu sync.RWMutex

	id          string
	source      Location
	destination Location
	overwrite   Overwrite
	copyID      string
	status      Status
	checkpoint  *Checkpoint

	// parent is not owned by the job and is never persisted with it.
	parent Parent
}

// New creates a job in status NotStarted with no overwrite decision, no
// async copy in flight and an empty checkpoint.
func New(source, destination Location) (*Job, error) {
	if source.IsZero() {
		return nil, newError("new", "", ErrInvalidArgument, "source location is required")
	}
	if destination.IsZero() {
		return nil, newError("new", "", ErrInvalidArgument, "destination location is required")
	}

	return &Job{
		id:          uuid.NewString(),
		source:      source,
		destination: destination,
		status:      StatusNotStarted,
		checkpoint:  NewCheckpoint(),
	}, nil
}

// Copy returns an independent job with the same identity, locations,
// overwrite decision, copy ID, status and parent, and a deep copy of the
// checkpoint.
func (j *Job) Copy() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		id:          j.id,
		source:      j.source,
		destination: j.destination,
		overwrite:   j.overwrite,
		copyID:      j.copyID,
		status:      j.status,
		checkpoint:  j.checkpoint.Copy(),
		parent:      j.parent,
	}
}

// ID returns the job's stable identifier.
func (j *Job) ID() string {
	return j.id
}

// Source returns the source Location.
func (j *Job) Source() Location {
	return j.source
}

// Destination returns the destination Location.
func (j *Job) Destination() Location {
	return j.destination
}

// Checkpoint returns the job's progress record.
func (j *Job) Checkpoint() *Checkpoint {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.checkpoint
}

// Overwrite returns the recorded overwrite decision.
func (j *Job) Overwrite() Overwrite {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.overwrite
}

// SetOverwrite records the overwrite decision. A decision can be made only
// once; retries reuse it instead of asking again.
func (j *Job) SetOverwrite(v bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return newError("set_overwrite", j.id, ErrInvalidState, "job is %s", j.status)
	}
	want := OverwriteFrom(v)
	if j.overwrite.Decided() {
		if j.overwrite != want {
			return newError("set_overwrite", j.id, ErrInvalidState, "overwrite already decided as %s", j.overwrite)
		}
		return nil
	}
	j.overwrite = want
	return nil
}

// CopyID returns the identifier of the server-side copy operation, or ""
// when none is in flight.
func (j *Job) CopyID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.copyID
}

// HasCopyID reports whether a server-side copy has been started.
func (j *Job) HasCopyID() bool {
	return j.CopyID() != ""
}

// SetCopyID records the identifier the destination service assigned to an
// accepted async copy. The caller persists the job right away so a restart
// polls this operation instead of starting a new one.
func (j *Job) SetCopyID(id string) error {
	if id == "" {
		return newError("set_copy_id", j.id, ErrInvalidArgument, "empty copy id")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return newError("set_copy_id", j.id, ErrInvalidState, "job is %s", j.status)
	}
	if j.copyID != "" && j.copyID != id {
		return newError("set_copy_id", j.id, ErrInvalidState, "copy %s already in flight", j.copyID)
	}
	j.copyID = id
	return nil
}

// ClearCopyID forgets a copy operation that the service no longer knows
// about, so a new one can be started.
func (j *Job) ClearCopyID() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return newError("clear_copy_id", j.id, ErrInvalidState, "job is %s", j.status)
	}
	j.copyID = ""
	return nil
}

// Status returns the job's current status.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// SetStatus moves the job to next. Finished and Failed are terminal, and a
// job that never entered Transient cannot finish.
func (j *Job) SetStatus(next Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.status.CanTransition(next) {
		return newError("set_status", j.id, ErrInvalidState, "cannot move from %s to %s", j.status, next)
	}
	j.status = next
	if next.Terminal() {
		j.checkpoint.seal()
	}
	return nil
}

// Attach associates the job with the transfer that groups it. The parent
// must outlive the job.
func (j *Job) Attach(p Parent) error {
	if p == nil {
		return newError("attach", j.id, ErrInvalidArgument, "nil parent")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return newError("attach", j.id, ErrInvalidState, "job is %s", j.status)
	}
	j.parent = p
	return nil
}

// Attached reports whether a parent transfer is attached.
func (j *Job) Attached() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.parent != nil
}

// Parent returns the attached transfer, or nil.
func (j *Job) Parent() Parent {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.parent
}

// ContentType returns the content type of the parent transfer. The job has
// no content type of its own.
func (j *Job) ContentType() (string, error) {
	j.mu.RLock()
	p := j.parent
	j.mu.RUnlock()

	if p == nil {
		return "", newError("content_type", j.id, ErrInvalidState, "no parent transfer attached")
	}
	return p.ContentType(), nil
}
