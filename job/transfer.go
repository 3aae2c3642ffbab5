package job

import (
	"encoding/json"
	"time"
)

// Parent is the view a job has of the transfer that groups it. A job reads
// transfer-wide metadata through it and never mutates it.
type Parent interface {
	ContentType() string
}

// Transfer groups the jobs created for one source/destination request and
// holds metadata they share. It must outlive every job attached to it.
type Transfer struct {
	id          string
	source      Location
	destination Location
	contentType string
	createdAt   time.Time
}

// NewTransfer returns a Transfer. contentType may be empty, in which case
// the engine detects a type per object.
func NewTransfer(id string, source, destination Location, contentType string) *Transfer {
	return &Transfer{
		id:          id,
		source:      source,
		destination: destination,
		contentType: contentType,
		createdAt:   time.Now().UTC(),
	}
}

func (t *Transfer) ID() string            { return t.id }
func (t *Transfer) Source() Location      { return t.source }
func (t *Transfer) Destination() Location { return t.destination }
func (t *Transfer) ContentType() string   { return t.contentType }
func (t *Transfer) CreatedAt() time.Time  { return t.createdAt }

type transferRecord struct {
	ID          string         `json:"id"`
	Source      locationRecord `json:"source"`
	Destination locationRecord `json:"dest"`
	ContentType string         `json:"content_type,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (t *Transfer) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferRecord{
		ID:          t.id,
		Source:      toLocationRecord(t.source),
		Destination: toLocationRecord(t.destination),
		ContentType: t.contentType,
		CreatedAt:   t.createdAt,
	})
}

func (t *Transfer) UnmarshalJSON(data []byte) error {
	var rec transferRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	t.id = rec.ID
	t.source = rec.Source.toLocation()
	t.destination = rec.Destination.toLocation()
	t.contentType = rec.ContentType
	t.createdAt = rec.CreatedAt
	return nil
}
