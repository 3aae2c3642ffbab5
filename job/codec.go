package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// recordVersion is bumped whenever the persisted layout changes in a way
// older readers cannot handle.
const recordVersion = 1

// Codec converts a job to and from its durable byte form.
type Codec interface {
	Name() string
	Marshal(j *Job) ([]byte, error)
	Unmarshal(data []byte) (*Job, error)
}

var (
	// JSONCodec stores jobs as JSON documents.
	JSONCodec Codec = jsonCodec{}

	// MsgPackCodec stores jobs as MessagePack, which is roughly half the
	// size of JSON for jobs with many checkpoint ranges.
	MsgPackCodec Codec = msgpackCodec{}
)

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec, nil
	case "msgpack":
		return MsgPackCodec, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %q", ErrInvalidArgument, name)
}

// jobRecord is the persisted layout of a job. The overwrite decision uses
// two fields: CheckedOverwrite says whether a decision exists and Overwrite
// carries it, omitted when undecided.
type jobRecord struct {
	Version          int              `json:"version" msgpack:"version"`
	ID               string           `json:"id" msgpack:"id"`
	Source           locationRecord   `json:"source" msgpack:"source"`
	Destination      locationRecord   `json:"dest" msgpack:"dest"`
	CheckedOverwrite bool             `json:"checked_overwrite" msgpack:"checked_overwrite"`
	Overwrite        *bool            `json:"overwrite,omitempty" msgpack:"overwrite,omitempty"`
	CopyID           *string          `json:"copy_id" msgpack:"copy_id"`
	Checkpoint       checkpointRecord `json:"checkpoint" msgpack:"checkpoint"`
}

type locationRecord struct {
	Kind       Kind              `json:"kind" msgpack:"kind"`
	Scheme     string            `json:"scheme,omitempty" msgpack:"scheme,omitempty"`
	Address    string            `json:"address" msgpack:"address"`
	Name       string            `json:"name,omitempty" msgpack:"name,omitempty"`
	Credential string            `json:"credential,omitempty" msgpack:"credential,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

type checkpointRecord struct {
	ETag           string     `json:"etag,omitempty" msgpack:"etag,omitempty"`
	LastModifiedNs *int64     `json:"last_modified_ns,omitempty" msgpack:"last_modified_ns,omitempty"`
	Size           int64      `json:"size,omitempty" msgpack:"size,omitempty"`
	TotalSize      int64      `json:"total_size" msgpack:"total_size"`
	Ranges         [][2]int64 `json:"ranges,omitempty" msgpack:"ranges,omitempty"`
}

func toLocationRecord(l Location) locationRecord {
	return locationRecord{
		Kind:       l.kind,
		Scheme:     l.scheme,
		Address:    l.address,
		Name:       l.name,
		Credential: l.credential,
		Metadata:   copyMetadata(l.metadata),
	}
}

func (r locationRecord) toLocation() Location {
	return Location{
		kind:       r.Kind,
		scheme:     r.Scheme,
		address:    r.Address,
		name:       r.Name,
		credential: r.Credential,
		metadata:   copyMetadata(r.Metadata),
	}
}

func toRecord(j *Job) jobRecord {
	j.mu.RLock()
	rec := jobRecord{
		Version:     recordVersion,
		ID:          j.id,
		Source:      toLocationRecord(j.source),
		Destination: toLocationRecord(j.destination),
	}
	if v, decided := j.overwrite.Value(); decided {
		rec.CheckedOverwrite = true
		rec.Overwrite = &v
	}
	if j.copyID != "" {
		id := j.copyID
		rec.CopyID = &id
	}
	cp := j.checkpoint
	j.mu.RUnlock()

	st := cp.snapshot()
	rec.Checkpoint = checkpointRecord{
		ETag:      st.token.ETag,
		Size:      st.token.Size,
		TotalSize: st.totalSize,
	}
	if !st.token.LastModified.IsZero() {
		ns := st.token.LastModified.UnixNano()
		rec.Checkpoint.LastModifiedNs = &ns
	}
	for _, r := range st.completed {
		rec.Checkpoint.Ranges = append(rec.Checkpoint.Ranges, [2]int64{r.Offset, r.Length})
	}
	return rec
}

func fromRecord(rec jobRecord) (*Job, error) {
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d", ErrSerializationFormat, rec.Version)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: missing job id", ErrSerializationFormat)
	}

	source := rec.Source.toLocation()
	destination := rec.Destination.toLocation()
	if source.IsZero() || destination.IsZero() {
		return nil, fmt.Errorf("%w: job %s is missing a location", ErrSerializationFormat, rec.ID)
	}

	overwrite := OverwriteUnset
	if rec.CheckedOverwrite {
		if rec.Overwrite == nil {
			return nil, fmt.Errorf("%w: job %s has a checked overwrite without a value", ErrSerializationFormat, rec.ID)
		}
		overwrite = OverwriteFrom(*rec.Overwrite)
	}

	var copyID string
	if rec.CopyID != nil {
		copyID = *rec.CopyID
	}

	st := checkpointState{
		token: ValidationToken{
			ETag: rec.Checkpoint.ETag,
			Size: rec.Checkpoint.Size,
		},
		totalSize: rec.Checkpoint.TotalSize,
	}
	if rec.Checkpoint.LastModifiedNs != nil {
		st.token.LastModified = time.Unix(0, *rec.Checkpoint.LastModifiedNs).UTC()
	}
	for _, r := range rec.Checkpoint.Ranges {
		st.completed = append(st.completed, Range{Offset: r[0], Length: r[1]})
	}
	cp, err := restoreCheckpoint(st)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", rec.ID, err)
	}

	return &Job{
		id:          rec.ID,
		source:      source,
		destination: destination,
		overwrite:   overwrite,
		copyID:      copyID,
		status:      StatusNotStarted,
		checkpoint:  cp,
	}, nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(j *Job) ([]byte, error) {
	data, err := json.Marshal(toRecord(j))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte) (*Job, error) {
	var rec jobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFormat, err)
	}
	return fromRecord(rec)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(j *Job) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(toRecord(j)); err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte) (*Job, error) {
	var rec jobRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFormat, err)
	}
	return fromRecord(rec)
}
