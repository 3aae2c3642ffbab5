package job

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ValidationToken fingerprints the state of a source object when a
// checkpoint is started. A checkpoint may only be resumed against a source
// that still produces an equal token.
type ValidationToken struct {
	ETag         string
	LastModified time.Time
	Size         int64
}

// IsZero reports whether no token has been captured.
func (t ValidationToken) IsZero() bool {
	return t.ETag == "" && t.LastModified.IsZero() && t.Size == 0
}

// Equal reports whether t and other describe the same source state.
func (t ValidationToken) Equal(other ValidationToken) bool {
	return t.ETag == other.ETag && t.LastModified.Equal(other.LastModified) && t.Size == other.Size
}

func (t ValidationToken) String() string {
	return fmt.Sprintf("etag=%q mtime=%s size=%d", t.ETag, t.LastModified.UTC().Format(time.RFC3339Nano), t.Size)
}

// Range is a half-open byte range [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the range.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// fits reports whether r lies within [0, totalSize). A negative totalSize
// means the size is unknown and only overflow is checked.
func (r Range) fits(totalSize int64) bool {
	if r.Offset < 0 || r.Length <= 0 || r.Length > math.MaxInt64-r.Offset {
		return false
	}
	if totalSize < 0 {
		return true
	}
	return r.Offset <= totalSize && r.Length <= totalSize-r.Offset
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

// Checkpoint is the resumable progress record of one job: the byte ranges
// already written to the destination and the source token they were read
// against. All methods are safe for concurrent use; each recorded range is
// applied atomically.
type Checkpoint struct {
	mu        sync.Mutex
	token     ValidationToken
	totalSize int64
	completed []Range

	// sealed is set once the owning job is terminal.
	sealed bool
}

// NewCheckpoint returns an empty checkpoint with an unknown total size.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{totalSize: -1}
}

// Begin captures the source token and object size at the start of the
// first attempt. Any recorded progress is discarded.
func (c *Checkpoint) Begin(token ValidationToken, totalSize int64) error {
	if totalSize < 0 {
		return newError("begin", "", ErrInvalidArgument, "negative size %d", totalSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return newError("begin", "", ErrInvalidState, "checkpoint of a finished job")
	}
	c.token = token
	c.totalSize = totalSize
	c.completed = nil
	return nil
}

// Reset drops the token, size and all progress.
func (c *Checkpoint) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return newError("reset", "", ErrInvalidState, "checkpoint of a finished job")
	}
	c.token = ValidationToken{}
	c.totalSize = -1
	c.completed = nil
	return nil
}

// seal makes every later mutation fail with ErrInvalidState.
func (c *Checkpoint) seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
}

// RecordCompleted merges r into the completed set. Recording a range that
// is already covered has no effect; overlapping and adjacent ranges are
// coalesced.
func (c *Checkpoint) RecordCompleted(r Range) error {
	if !r.fits(-1) {
		return newError("record", "", ErrInvalidArgument, "bad range offset=%d length=%d", r.Offset, r.Length)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return newError("record", "", ErrInvalidState, "checkpoint of a finished job")
	}
	if !r.fits(c.totalSize) {
		return newError("record", "", ErrInvalidArgument, "range %s exceeds object size %d", r, c.totalSize)
	}

	c.completed = mergeRange(c.completed, r)
	return nil
}

// mergeRange inserts r into the sorted, coalesced set and returns the new
// set. The input slice is not modified.
func mergeRange(set []Range, r Range) []Range {
	i := sort.Search(len(set), func(i int) bool { return set[i].End() >= r.Offset })

	out := make([]Range, 0, len(set)+1)
	out = append(out, set[:i]...)

	start, end := r.Offset, r.End()
	j := i
	for ; j < len(set) && set[j].Offset <= end; j++ {
		if set[j].Offset < start {
			start = set[j].Offset
		}
		if set[j].End() > end {
			end = set[j].End()
		}
	}
	out = append(out, Range{Offset: start, Length: end - start})
	return append(out, set[j:]...)
}

// IsComplete reports whether the completed ranges cover exactly
// [0, totalSize).
func (c *Checkpoint) IsComplete(totalSize int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if totalSize == 0 {
		return len(c.completed) == 0
	}
	return len(c.completed) == 1 && c.completed[0] == Range{Offset: 0, Length: totalSize}
}

// IsValidFor reports whether the stored token matches the current state of
// the source, regardless of how much progress has been recorded.
func (c *Checkpoint) IsValidFor(current ValidationToken) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token.Equal(current)
}

// Verify returns ErrStaleCheckpoint when the checkpoint cannot be resumed
// against current.
func (c *Checkpoint) Verify(current ValidationToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.token.Equal(current) {
		return newError("verify", "", ErrStaleCheckpoint, "checkpoint %s, source %s", c.token, current)
	}
	return nil
}

// HasToken reports whether Begin has captured a source token.
func (c *Checkpoint) HasToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.token.IsZero() || c.totalSize >= 0
}

// Token returns the captured validation token.
func (c *Checkpoint) Token() ValidationToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// TotalSize returns the object size captured by Begin, or -1.
func (c *Checkpoint) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Ranges returns a copy of the completed ranges in ascending order.
func (c *Checkpoint) Ranges() []Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Range(nil), c.completed...)
}

// CompletedBytes returns the number of bytes covered by completed ranges.
func (c *Checkpoint) CompletedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for _, r := range c.completed {
		n += r.Length
	}
	return n
}

// NextOffset returns the start of the first gap, i.e. the offset a
// sequential transfer resumes from.
func (c *Checkpoint) NextOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.completed) == 0 || c.completed[0].Offset != 0 {
		return 0
	}
	return c.completed[0].End()
}

// Remaining returns the gaps in [0, totalSize) that still need transferring.
func (c *Checkpoint) Remaining(totalSize int64) []Range {
	c.mu.Lock()
	defer c.mu.Unlock()

	var gaps []Range
	var pos int64
	for _, r := range c.completed {
		if r.Offset >= totalSize {
			break
		}
		if r.Offset > pos {
			gaps = append(gaps, Range{Offset: pos, Length: r.Offset - pos})
		}
		pos = r.End()
	}
	if pos < totalSize {
		gaps = append(gaps, Range{Offset: pos, Length: totalSize - pos})
	}
	return gaps
}

// Copy returns a deep copy. Changes to either checkpoint are never visible
// through the other.
func (c *Checkpoint) Copy() *Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Checkpoint{
		token:     c.token,
		totalSize: c.totalSize,
		completed: append([]Range(nil), c.completed...),
		sealed:    c.sealed,
	}
}

// checkpointState is a consistent, lock-free view used by the codecs.
type checkpointState struct {
	token     ValidationToken
	totalSize int64
	completed []Range
}

func (c *Checkpoint) snapshot() checkpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return checkpointState{
		token:     c.token,
		totalSize: c.totalSize,
		completed: append([]Range(nil), c.completed...),
	}
}

// restoreCheckpoint validates decoded state and builds a Checkpoint from it.
func restoreCheckpoint(st checkpointState) (*Checkpoint, error) {
	if st.totalSize < -1 {
		return nil, fmt.Errorf("%w: total size %d", ErrSerializationFormat, st.totalSize)
	}

	var prevEnd int64 = -1
	for _, r := range st.completed {
		if !r.fits(-1) || r.Offset <= prevEnd {
			return nil, fmt.Errorf("%w: range offset=%d length=%d out of order", ErrSerializationFormat, r.Offset, r.Length)
		}
		if !r.fits(st.totalSize) {
			return nil, fmt.Errorf("%w: range %s exceeds size %d", ErrSerializationFormat, r, st.totalSize)
		}
		prevEnd = r.End()
	}

	return &Checkpoint{
		token:     st.token,
		totalSize: st.totalSize,
		completed: st.completed,
	}, nil
}
