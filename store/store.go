package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/franksops/dmove/job"
)

var (
	// ErrJobNotFound is returned when a job is not found in the state store.
	ErrJobNotFound = errors.New("job not found")

	// ErrTransferNotFound is returned when a transfer is not found in the state store.
	ErrTransferNotFound = errors.New("transfer not found")
)

var (
	transfersBucket = []byte("transfers")
	jobsBucket      = []byte("jobs")
	jobStateBucket  = []byte("job_state")
)

// JobState is the lifecycle of a job as seen by the scheduler. It outlives
// a single process, unlike job.Status which covers one attempt sequence.
type JobState string

const (
	StatePending    JobState = "Pending"
	StateInProgress JobState = "InProgress"
	StateCompleted  JobState = "Completed"
	StateFailed     JobState = "Failed"
	StateSkipped    JobState = "Skipped"
)

// Done reports whether a job in this state needs no further work.
func (s JobState) Done() bool {
	return s == StateCompleted || s == StateSkipped
}

// JobRecord is the scheduler-side bookkeeping stored next to each job.
type JobRecord struct {
	ID               string    `json:"id"`
	TransferID       string    `json:"transfer_id"`
	Source           string    `json:"source"`
	Destination      string    `json:"destination"`
	State            JobState  `json:"state"`
	BytesTransferred int64     `json:"bytes_transferred"`
	TotalBytes       int64     `json:"total_bytes"`
	CopyID           string    `json:"copy_id,omitempty"`
	Error            string    `json:"error,omitempty"`
	Codec            string    `json:"codec"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store persists transfers and their jobs.
type Store interface {
	SaveTransfer(t *job.Transfer) error
	GetTransfer(id string) (*job.Transfer, error)
	SaveJob(rec *JobRecord, j *job.Job) error
	GetJob(id string) (*JobRecord, *job.Job, error)
	ListJobs(states ...JobState) ([]*JobRecord, error)
	DeleteJob(id string) error
	Close() error
}

// BoltStore is a Store implementation backed by bbolt. Transfers are
// decoded once and shared by every job loaded for them.
type BoltStore struct {
	db    *bbolt.DB
	codec job.Codec

	mu        sync.Mutex
	transfers map[string]*job.Transfer
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithCodec sets the codec used for new job records. Records are always
// read back with the codec they were written with.
func WithCodec(c job.Codec) Option {
	return func(s *BoltStore) {
		s.codec = c
	}
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{transfersBucket, jobsBucket, jobStateBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &BoltStore{db: db, codec: job.JSONCodec, transfers: make(map[string]*job.Transfer)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SaveTransfer saves a transfer to the state store.
func (s *BoltStore) SaveTransfer(t *job.Transfer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(transfersBucket).Put([]byte(t.ID()), data); err != nil {
			return fmt.Errorf("failed to put transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.transfers[t.ID()] = t
	s.mu.Unlock()
	return nil
}

// GetTransfer retrieves a transfer from the state store.
func (s *BoltStore) GetTransfer(id string) (*job.Transfer, error) {
	if t := s.cachedTransfer(id); t != nil {
		return t, nil
	}

	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(transfersBucket).Get([]byte(id))
		if data == nil {
			return ErrTransferNotFound
		}
		raw = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.decodeTransfer(raw)
}

func (s *BoltStore) cachedTransfer(id string) *job.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers[id]
}

// decodeTransfer decodes raw and caches the result. When another caller
// cached the same transfer first, that instance is returned instead.
func (s *BoltStore) decodeTransfer(raw []byte) (*job.Transfer, error) {
	var t job.Transfer
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transfer: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.transfers[t.ID()]; ok {
		return cached, nil
	}
	s.transfers[t.ID()] = &t
	return &t, nil
}

// SaveJob encodes j and stores it together with its record in a single
// transaction, so a crash never leaves the two out of step.
func (s *BoltStore) SaveJob(rec *JobRecord, j *job.Job) error {
	if rec.ID != j.ID() {
		return fmt.Errorf("record id %q does not match job %q", rec.ID, j.ID())
	}

	data, err := s.codec.Marshal(j)
	if err != nil {
		return err
	}

	rec.Codec = s.codec.Name()
	rec.CopyID = j.CopyID()
	rec.BytesTransferred = j.Checkpoint().CompletedBytes()
	rec.UpdatedAt = time.Now().UTC()
	meta, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(rec.ID)
		if err := tx.Bucket(jobsBucket).Put(key, data); err != nil {
			return fmt.Errorf("failed to put job: %w", err)
		}
		if err := tx.Bucket(jobStateBucket).Put(key, meta); err != nil {
			return fmt.Errorf("failed to put job record: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job and its record from the state store. When the
// job's transfer is known it is attached as the job's parent.
func (s *BoltStore) GetJob(id string) (*JobRecord, *job.Job, error) {
	var (
		rec   JobRecord
		data  []byte
		trRaw []byte
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(jobStateBucket).Get([]byte(id))
		if meta == nil {
			return ErrJobNotFound
		}
		if err := json.Unmarshal(meta, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal job record: %w", err)
		}

		// bbolt values are only valid inside the transaction.
		data = append([]byte(nil), tx.Bucket(jobsBucket).Get([]byte(id))...)
		if s.cachedTransfer(rec.TransferID) != nil {
			return nil
		}
		if raw := tx.Bucket(transfersBucket).Get([]byte(rec.TransferID)); raw != nil {
			trRaw = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	codec, err := job.CodecByName(rec.Codec)
	if err != nil {
		return &rec, nil, fmt.Errorf("%w: job %s: %v", job.ErrSerializationFormat, id, err)
	}
	j, err := codec.Unmarshal(data)
	if err != nil {
		return &rec, nil, err
	}

	t := s.cachedTransfer(rec.TransferID)
	if t == nil && trRaw != nil {
		if t, err = s.decodeTransfer(trRaw); err != nil {
			return &rec, nil, err
		}
	}
	if t != nil {
		if err := j.Attach(t); err != nil {
			return &rec, nil, err
		}
	}
	return &rec, j, nil
}

// ListJobs returns the records of all jobs, or only those in one of states.
func (s *BoltStore) ListJobs(states ...JobState) ([]*JobRecord, error) {
	want := make(map[JobState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	var recs []*JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobStateBucket).ForEach(func(k, v []byte) error {
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal job record %s: %w", k, err)
			}
			if len(want) == 0 || want[rec.State] {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// DeleteJob removes a job and its record.
func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(id)
		if tx.Bucket(jobStateBucket).Get(key) == nil {
			return ErrJobNotFound
		}
		if err := tx.Bucket(jobsBucket).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(jobStateBucket).Delete(key)
	})
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
