package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// File extensions encode the job state: queued jobs end in QueuedExt, claimed
// jobs in ClaimedExt. A finished job has no file.
const (
	QueuedExt  = ".json"
	ClaimedExt = ".processing"
)

// Job is one queue entry.
type Job struct {
	WorkItemID string          `json:"workItemId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Attempts   int             `json:"attempts"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode payload for %s: %w", j.WorkItemID, err)
	}
	return nil
}

// ErrorEntry is one line of a queue's terminal-failure log.
type ErrorEntry struct {
	Queue      string    `json:"queue"`
	WorkItemID string    `json:"workItemId"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failedAt"`
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue dead-letters the job on the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
