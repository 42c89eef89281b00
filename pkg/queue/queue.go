package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownJob is returned by Status for ids never enqueued or already expired.
var ErrUnknownJob = errors.New("queue: unknown job")

// QueueService accepts runs for the workers and reports their state.
type QueueService interface {
	EnqueueWithID(ctx context.Context, id, msgType string, payload interface{}) error
	Status(ctx context.Context, id string) (JobStatus, error)
}

// QueueConfig contains the configuration for the queue
type QueueConfig struct {
	Workers    int           // number of workers
	RetryLimit int           // number of maximum retries
	RetryDelay time.Duration // time delay between retries
	JobTimeout time.Duration // upper bound for one Handle call, 0 means none
	StatusTTL  time.Duration // how long finished job states stay readable
}

// Message is the envelope stored in Redis. Payload stays raw until a job parses it.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"timestamp"`
}

type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateRetrying  JobState = "retrying"
	StateSucceeded JobState = "succeeded"
	StateDead      JobState = "dead"
)

// Terminal reports whether no worker will touch the job again.
func (s JobState) Terminal() bool { return s == StateSucceeded || s == StateDead }

// JobStatus is the last known state of one enqueued run.
type JobStatus struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	State      JobState  `json:"state"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// advance returns s moved to state at now. Terminal states are sticky.
func (s JobStatus) advance(state JobState, attempts int, err error, now time.Time) JobStatus {
	if s.State.Terminal() {
		return s
	}
	s.State = state
	s.Attempts = attempts
	s.Error = ""
	if err != nil {
		s.Error = err.Error()
	}
	s.UpdatedAt = now
	return s
}

func ParsePayload[T any](payload interface{}) (*T, error) {
	var result T

	switch p := payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	case map[string]interface{}:
		jsonData, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal map to json: %w", err)
		}
		if err := json.Unmarshal(jsonData, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal json to struct: %w", err)
		}
		return &result, nil
	case json.RawMessage:
		if err := json.Unmarshal(p, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		return &result, nil
	default:
		return nil, fmt.Errorf("invalid payload type: %T", payload)
	}
}
