package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/franksops/dmove/job"
	"github.com/franksops/dmove/store"
)

// MockStore keeps records and encoded jobs in memory.
type MockStore struct {
	mu        sync.Mutex
	Jobs      map[string]store.JobRecord
	Data      map[string][]byte
	Transfers map[string]*job.Transfer
	Saves     int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Jobs:      make(map[string]store.JobRecord),
		Data:      make(map[string][]byte),
		Transfers: make(map[string]*job.Transfer),
	}
}

func (m *MockStore) SaveTransfer(t *job.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transfers[t.ID()] = t
	return nil
}

func (m *MockStore) GetTransfer(id string) (*job.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	return t, nil
}

func (m *MockStore) SaveJob(rec *store.JobRecord, j *job.Job) error {
	data, err := job.JSONCodec.Marshal(j)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.CopyID = j.CopyID()
	rec.BytesTransferred = j.Checkpoint().CompletedBytes()
	rec.Codec = job.JSONCodec.Name()
	m.Jobs[rec.ID] = *rec
	m.Data[rec.ID] = data
	m.Saves++
	return nil
}

func (m *MockStore) GetJob(id string) (*store.JobRecord, *job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Jobs[id]
	if !ok {
		return nil, nil, store.ErrJobNotFound
	}
	j, err := job.JSONCodec.Unmarshal(m.Data[id])
	if err != nil {
		return &rec, nil, err
	}
	if t, ok := m.Transfers[rec.TransferID]; ok {
		if err := j.Attach(t); err != nil {
			return &rec, nil, err
		}
	}
	return &rec, j, nil
}

func (m *MockStore) ListJobs(states ...store.JobState) ([]*store.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.JobRecord
	for _, rec := range m.Jobs {
		if len(states) == 0 {
			out = append(out, &rec)
			continue
		}
		for _, st := range states {
			if rec.State == st {
				out = append(out, &rec)
				break
			}
		}
	}
	return out, nil
}

func (m *MockStore) DeleteJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Jobs[id]; !ok {
		return store.ErrJobNotFound
	}
	delete(m.Jobs, id)
	delete(m.Data, id)
	return nil
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) Record(id string) store.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Jobs[id]
}

func newTrackedJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.New(job.NewLocalPath("/src/a.bin"), job.NewLocalPath("/dst/a.bin"))
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestJobTracker(t *testing.T) {
	mockStore := NewMockStore()
	tracker := NewJobTracker(mockStore, DefaultCheckpointConfig)

	j := newTrackedJob(t)
	if err := tracker.Register(nil, j); err != nil {
		t.Fatalf("Failed to register job: %v", err)
	}

	record := mockStore.Record(j.ID())
	if record.State != store.StatePending {
		t.Errorf("Expected state %s, got %s", store.StatePending, record.State)
	}
	if record.Source != "/src/a.bin" || record.Destination != "/dst/a.bin" {
		t.Errorf("Unexpected record locations %q -> %q", record.Source, record.Destination)
	}

	if err := tracker.MarkInProgress(j.ID()); err != nil {
		t.Fatalf("Failed to mark in progress: %v", err)
	}
	if got := mockStore.Record(j.ID()).State; got != store.StateInProgress {
		t.Errorf("Expected state %s, got %s", store.StateInProgress, got)
	}

	if err := tracker.MarkFailed(j.ID(), errors.New("disk full")); err != nil {
		t.Fatal(err)
	}
	if got := mockStore.Record(j.ID()); got.State != store.StateFailed || got.Error != "disk full" {
		t.Errorf("Expected failed record with error, got %+v", got)
	}

	if err := tracker.MarkCompleted(j.ID()); err != nil {
		t.Fatalf("Failed to mark completed: %v", err)
	}
	if got := mockStore.Record(j.ID()); got.State != store.StateCompleted || got.Error != "" {
		t.Errorf("Expected clean completed record, got %+v", got)
	}

	if !tracker.Tracked(j.ID()) {
		t.Fatal("Expected job to be tracked before Unregister")
	}
	tracker.Unregister(j.ID())
	if tracker.Tracked(j.ID()) {
		t.Error("Expected job to be untracked after Unregister")
	}
	if err := tracker.Flush(j.ID()); !errors.Is(err, ErrJobNotTracked) {
		t.Errorf("Expected ErrJobNotTracked, got %v", err)
	}
}

func TestJobTracker_ReplacePersistsNewInstance(t *testing.T) {
	mockStore := NewMockStore()
	tracker := NewJobTracker(mockStore, DefaultCheckpointConfig)

	j := newTrackedJob(t)
	if err := tracker.Register(nil, j); err != nil {
		t.Fatal(err)
	}

	retry := j.Copy()
	if err := retry.SetCopyID("op-2"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Replace(retry); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Flush(j.ID()); err != nil {
		t.Fatal(err)
	}

	if got := mockStore.Record(j.ID()).CopyID; got != "op-2" {
		t.Errorf("Expected the replacement to be saved, got copy id %q", got)
	}

	other := newTrackedJob(t)
	if err := tracker.Replace(other); !errors.Is(err, ErrJobNotTracked) {
		t.Errorf("Expected ErrJobNotTracked, got %v", err)
	}
}

func TestTrackedWriter_Checkpointing(t *testing.T) {
	mockStore := NewMockStore()

	// Fast checkpointing config
	config := CheckpointConfig{
		BytesInterval: 10,
		TimeInterval:  time.Hour,
	}
	tracker := NewJobTracker(mockStore, config)

	j := newTrackedJob(t)
	if err := j.Checkpoint().Begin(job.ValidationToken{Size: 100}, 100); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Register(nil, j); err != nil {
		t.Fatalf("Failed: %v", err)
	}

	buf := new(bytes.Buffer)
	tw := tracker.NewTrackedWriter(buf, j, 20)

	// Write 5 bytes, shouldn't trigger checkpoint (interval=10)
	n, err := tw.Write([]byte("12345"))
	if err != nil || n != 5 {
		t.Fatalf("Write failed: n=%d err=%v", n, err)
	}
	if got := mockStore.Record(j.ID()).BytesTransferred; got != 0 {
		t.Errorf("Expected 0 bytes saved (no checkpoint), got %d", got)
	}

	// Write 6 more bytes (total 11) - should trigger checkpoint based on bytes
	n, err = tw.Write([]byte("678901"))
	if err != nil || n != 6 {
		t.Fatalf("Write failed: n=%d err=%v", n, err)
	}
	if got := mockStore.Record(j.ID()).BytesTransferred; got != 11 {
		t.Errorf("Expected 11 bytes saved due to checkpoint, got %d", got)
	}

	ranges := j.Checkpoint().Ranges()
	if len(ranges) != 1 || ranges[0] != (job.Range{Offset: 20, Length: 11}) {
		t.Errorf("Expected one coalesced range at 20, got %v", ranges)
	}
	if tw.Offset() != 31 {
		t.Errorf("Expected next offset 31, got %d", tw.Offset())
	}
}

func TestTrackedWriter_RejectsWritesPastSize(t *testing.T) {
	tracker := NewJobTracker(NewMockStore(), DefaultCheckpointConfig)
	j := newTrackedJob(t)
	if err := j.Checkpoint().Begin(job.ValidationToken{Size: 4}, 4); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Register(nil, j); err != nil {
		t.Fatal(err)
	}

	tw := tracker.NewTrackedWriter(new(bytes.Buffer), j, 0)
	if _, err := tw.Write([]byte("too long")); !errors.Is(err, job.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for a write past the object size, got %v", err)
	}
}

func TestJobTracker_RunFlushesOnShutdown(t *testing.T) {
	mockStore := NewMockStore()
	tracker := NewJobTracker(mockStore, CheckpointConfig{BytesInterval: 1 << 30, TimeInterval: time.Hour})

	active := newTrackedJob(t)
	done := newTrackedJob(t)
	for _, j := range []*job.Job{active, done} {
		if err := j.Checkpoint().Begin(job.ValidationToken{Size: 8}, 8); err != nil {
			t.Fatal(err)
		}
		if err := tracker.Register(nil, j); err != nil {
			t.Fatal(err)
		}
	}
	if err := tracker.MarkCompleted(done.ID()); err != nil {
		t.Fatal(err)
	}
	if err := active.Checkpoint().RecordCompleted(job.Range{Offset: 0, Length: 4}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(finished)
	}()
	cancel()
	<-finished

	if got := mockStore.Record(active.ID()).BytesTransferred; got != 4 {
		t.Errorf("Expected final flush to save 4 bytes, got %d", got)
	}

	snap := tracker.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 jobs in snapshot, got %d", len(snap))
	}
	if snap[0].ID > snap[1].ID {
		t.Error("Expected snapshot ordered by id")
	}
	for _, p := range snap {
		if p.ID == active.ID() && (p.BytesTransferred != 4 || p.TotalBytes != 8) {
			t.Errorf("Unexpected progress %+v", p)
		}
	}
}
