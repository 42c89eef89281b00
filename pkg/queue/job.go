package queue

import "context"

// Job executes one message type. Handle receives the raw JSON payload; a
// returned error schedules a retry until RetryLimit, then the message is dead.
type Job interface {
	Name() string
	Type() string
	Handle(ctx context.Context, payload interface{}) error
}
