package worker

import (
	"context"

	"basegraph.app/ingest/internal/ingest"
	"basegraph.app/ingest/internal/queue"
)

// Consumer abstracts the message queue for testability.
type Consumer interface {
	Stream() string
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// Dispatcher runs the pipeline stage that handles a task.
type Dispatcher interface {
	Dispatch(ctx context.Context, task queue.Task) (ingest.Transition, error)
}
