package store

import (
	"errors"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/franksops/dmove/job"
)

func newTestJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.New(job.NewLocalPath("/tmp/src.txt"), job.NewLocalPath("/tmp/dst.txt"))
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	return j
}

func TestBoltStore_SaveAndGetJob(t *testing.T) {
	for _, codec := range []job.Codec{job.JSONCodec, job.MsgPackCodec} {
		t.Run(codec.Name(), func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "test.db")

			store, err := NewBoltStore(dbPath, WithCodec(codec))
			if err != nil {
				t.Fatalf("Failed to create BoltStore: %v", err)
			}
			defer store.Close()

			tr := job.NewTransfer("tr-1", job.NewLocalPath("/tmp"), job.NewLocalPath("/tmp"), "text/plain")
			if err := store.SaveTransfer(tr); err != nil {
				t.Fatalf("Failed to save transfer: %v", err)
			}

			j := newTestJob(t)
			if err := j.Checkpoint().Begin(job.ValidationToken{ETag: "e1", Size: 1024}, 1024); err != nil {
				t.Fatal(err)
			}

			rec := &JobRecord{
				ID:         j.ID(),
				TransferID: tr.ID(),
				State:      StatePending,
				TotalBytes: 1024,
			}
			if err := store.SaveJob(rec, j); err != nil {
				t.Fatalf("Failed to save job: %v", err)
			}

			// Update job state
			if err := j.Checkpoint().RecordCompleted(job.Range{Offset: 0, Length: 512}); err != nil {
				t.Fatal(err)
			}
			if err := j.SetCopyID("op-9"); err != nil {
				t.Fatal(err)
			}
			rec.State = StateInProgress
			if err := store.SaveJob(rec, j); err != nil {
				t.Fatalf("Failed to update job: %v", err)
			}

			gotRec, got, err := store.GetJob(j.ID())
			if err != nil {
				t.Fatalf("Failed to get job: %v", err)
			}
			if gotRec.State != StateInProgress {
				t.Errorf("Expected state %s, got %s", StateInProgress, gotRec.State)
			}
			if gotRec.BytesTransferred != 512 {
				t.Errorf("Expected 512 bytes transferred, got %d", gotRec.BytesTransferred)
			}
			if gotRec.Codec != codec.Name() {
				t.Errorf("Expected codec %s, got %s", codec.Name(), gotRec.Codec)
			}
			if got.CopyID() != "op-9" {
				t.Errorf("Expected copy id op-9, got %q", got.CopyID())
			}
			if !got.Checkpoint().IsValidFor(job.ValidationToken{ETag: "e1", Size: 1024}) {
				t.Error("Expected checkpoint token to survive the store")
			}
			ct, err := got.ContentType()
			if err != nil {
				t.Fatalf("Expected parent transfer to be attached: %v", err)
			}
			if ct != "text/plain" {
				t.Errorf("Expected content type text/plain, got %q", ct)
			}

			// Non-existent job
			if _, _, err := store.GetJob("non-existent"); err != ErrJobNotFound {
				t.Errorf("Expected ErrJobNotFound, got %v", err)
			}
		})
	}
}

func TestBoltStore_ReadsRecordsWrittenWithOtherCodec(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mixed.db")

	store, err := NewBoltStore(dbPath, WithCodec(job.MsgPackCodec))
	if err != nil {
		t.Fatal(err)
	}
	j := newTestJob(t)
	if err := store.SaveJob(&JobRecord{ID: j.ID(), State: StatePending}, j); err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, got, err := store.GetJob(j.ID())
	if err != nil {
		t.Fatalf("Failed to read msgpack record with json default: %v", err)
	}
	if got.Attached() {
		t.Error("Expected no parent for a job without a stored transfer")
	}
}

func TestBoltStore_JobsShareTransfer(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	tr := job.NewTransfer("tr-1", job.NewLocalPath("/tmp"), job.NewLocalPath("/out"), "text/plain")
	if err := store.SaveTransfer(tr); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for i := 0; i < 2; i++ {
		j := newTestJob(t)
		if err := store.SaveJob(&JobRecord{ID: j.ID(), TransferID: tr.ID(), State: StatePending}, j); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID())
	}

	_, first, err := store.GetJob(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if first.Parent() != job.Parent(tr) {
		t.Error("Expected a job loaded in the same session to share the saved transfer")
	}
	store.Close()

	// A new session decodes the transfer once for all of its jobs.
	store, err = NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	_, a, err := store.GetJob(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	_, b, err := store.GetJob(ids[1])
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := store.GetTransfer(tr.ID())
	if err != nil {
		t.Fatal(err)
	}
	if a.Parent() == nil || a.Parent() != b.Parent() {
		t.Errorf("Expected both jobs to share one parent, got %p and %p", a.Parent(), b.Parent())
	}
	if a.Parent() != job.Parent(loaded) {
		t.Error("Expected GetTransfer to return the instance the jobs share")
	}
	if loaded.ContentType() != "text/plain" || loaded.Destination().Path() != "/out" {
		t.Errorf("Unexpected transfer %s -> %s (%s)", loaded.Source(), loaded.Destination(), loaded.ContentType())
	}
}

func TestBoltStore_CorruptJob(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "corrupt.db")
	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	j := newTestJob(t)
	if err := store.SaveJob(&JobRecord{ID: j.ID(), State: StatePending}, j); err != nil {
		t.Fatal(err)
	}

	err = store.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).Put([]byte(j.ID()), []byte(`{"version":7}`))
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, _, err := store.GetJob(j.ID())
	if !errors.Is(err, job.ErrSerializationFormat) {
		t.Errorf("Expected ErrSerializationFormat, got %v", err)
	}
	if rec == nil || rec.ID != j.ID() {
		t.Error("Expected the job record to be returned with a corrupt job")
	}
}

func TestBoltStore_ListAndDelete(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "list.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	states := []JobState{StatePending, StateInProgress, StateCompleted, StateFailed}
	ids := make([]string, 0, len(states))
	for _, st := range states {
		j := newTestJob(t)
		if err := store.SaveJob(&JobRecord{ID: j.ID(), State: st}, j); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID())
	}

	all, err := store.ListJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("Expected 4 jobs, got %d", len(all))
	}

	open, err := store.ListJobs(StatePending, StateInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("Expected 2 open jobs, got %d", len(open))
	}

	if err := store.DeleteJob(ids[0]); err != nil {
		t.Fatalf("Failed to delete job: %v", err)
	}
	if err := store.DeleteJob(ids[0]); err != ErrJobNotFound {
		t.Errorf("Expected ErrJobNotFound on second delete, got %v", err)
	}
	if _, _, err := store.GetJob(ids[0]); err != ErrJobNotFound {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestBoltStore_SaveJobIDMismatch(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "mismatch.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.SaveJob(&JobRecord{ID: "other"}, newTestJob(t)); err == nil {
		t.Error("Expected error for mismatched record id")
	}
}

func TestBoltStore_Close(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test_close.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Failed to close BoltStore: %v", err)
	}

	// Try to get a job on closed store
	if _, _, err := store.GetJob("job-123"); err == nil {
		t.Error("Expected error when accessing closed store, got nil")
	}
}
