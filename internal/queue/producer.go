package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"basegraph.app/ingest/common/logger"
)

type Producer interface {
	Enqueue(ctx context.Context, task Task) error
	Close() error
}

type redisProducer struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisProducer publishes each task to the stream of its task type.
func NewRedisProducer(client redis.UniversalClient, streamPrefix string) Producer {
	return &redisProducer{
		client: client,
		prefix: streamPrefix,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, task Task) error {
	if !task.Type.Valid() {
		return fmt.Errorf("enqueue: unknown task_type %q", task.Type)
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.TraceID == "" {
		task.TraceID = logger.TraceID(ctx)
	}

	values, err := EncodeTask(task)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type, err)
	}

	stream := task.Type.Stream(p.prefix)
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type, err)
	}

	slog.DebugContext(ctx, "enqueued task",
		"task_type", task.Type,
		"stream", stream,
		"stream_id", id,
		"cache_key", task.CacheKey,
		"attempt", task.Attempt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
