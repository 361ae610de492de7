package queue

import "context"

// Handler executes the unit of work of a job. It must be safe to call again
// for a job that already succeeded once.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// ReadinessChecker is implemented by handlers whose jobs may be claimed before
// their prerequisites are met. A job that is not ready goes back to the queue
// without consuming an attempt.
type ReadinessChecker interface {
	Ready(ctx context.Context, job Job) (bool, error)
}

// DeadLetterHandler is implemented by handlers that record permanent failure
// on the record owning the job.
type DeadLetterHandler interface {
	OnDead(ctx context.Context, job Job, cause error)
}
