package ingest

import (
	"context"
	"fmt"
	"time"

	"basegraph.app/ingest/internal/cache"
	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/queue"
)

// Submitter is the entry point of the pipeline: it caches a new event and
// enqueues its preprocess task.
type Submitter struct {
	payloads cache.PayloadCache
	producer queue.Producer
	now      func() time.Time
}

func NewSubmitter(payloads cache.PayloadCache, producer queue.Producer) *Submitter {
	return &Submitter{payloads: payloads, producer: producer, now: time.Now}
}

// Submit returns the cache key the event was stored under.
func (s *Submitter) Submit(ctx context.Context, p *event.Payload) (string, error) {
	if p.ProjectID == 0 || p.EventID == "" {
		return "", fmt.Errorf("%w: event needs a project and an event id", ErrNonRetryable)
	}

	key, err := s.payloads.Store(ctx, p)
	if err != nil {
		return "", fmt.Errorf("caching event: %w", err)
	}

	task := queue.Task{
		Type:      queue.TaskTypePreprocessEvent,
		CacheKey:  key,
		StartTime: s.now(),
		EventID:   p.EventID,
		ProjectID: p.ProjectID,
	}
	if err := s.producer.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("enqueueing preprocess: %w", err)
	}
	return key, nil
}

// RequestReprocessing asks the workers to bump the project's reprocessing
// revision, which re-runs its parked events. Callers use it after changing the
// project's processing configuration.
func (s *Submitter) RequestReprocessing(ctx context.Context, projectID int64) error {
	if projectID == 0 {
		return fmt.Errorf("%w: reprocessing needs a project", ErrNonRetryable)
	}
	task := queue.Task{
		Type:      queue.TaskTypeBumpRevision,
		StartTime: s.now(),
		ProjectID: projectID,
	}
	if err := s.producer.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueueing revision bump: %w", err)
	}
	return nil
}
