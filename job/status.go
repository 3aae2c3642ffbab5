package job

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a job within one attempt sequence.
type Status int

const (
	StatusNotStarted Status = iota
	// StatusTransient covers an attempt in progress as well as a retryable
	// failure waiting for the next attempt.
	StatusTransient
	StatusFinished
	StatusFailed
)

var statusNames = map[Status]string{
	StatusNotStarted: "NotStarted",
	StatusTransient:  "Transient",
	StatusFinished:   "Finished",
	StatusFailed:     "Failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// CanTransition reports whether a job in status s may move to next.
// A job must pass through Transient before it can finish.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusNotStarted:
		return next == StatusTransient || next == StatusFailed
	case StatusTransient:
		return next == StatusTransient || next == StatusFinished || next == StatusFailed
	default:
		return false
	}
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return StatusNotStarted, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, name)
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
