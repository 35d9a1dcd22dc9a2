package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/ingest/common/logger"
	"basegraph.app/ingest/internal/ingest"
	"basegraph.app/ingest/internal/metrics"
	"basegraph.app/ingest/internal/queue"
)

type Config struct {
	MaxAttempts int
	// SoftTimeLimit bounds one task execution. SoftTimeLimits overrides it per
	// task type.
	SoftTimeLimit  time.Duration
	SoftTimeLimits map[queue.TaskType]time.Duration
	ErrorBackoff   time.Duration
}

func (c Config) limitFor(t queue.TaskType) time.Duration {
	if d, ok := c.SoftTimeLimits[t]; ok {
		return d
	}
	return c.SoftTimeLimit
}

type Worker struct {
	consumer   Consumer
	dispatcher Dispatcher
	producer   queue.Producer
	metrics    metrics.Sink
	cfg        Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer Consumer, dispatcher Dispatcher, producer queue.Producer, sink metrics.Sink, cfg Config) *Worker {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		consumer:   consumer,
		dispatcher: dispatcher,
		producer:   producer,
		metrics:    sink,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	stream := w.consumer.Stream()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "ingest.worker",
		Stream:    &stream,
	})
	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				select {
				case <-ctx.Done():
				case <-w.stopCh:
				case <-time.After(w.cfg.ErrorBackoff):
				}
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		_ = w.Handle(ctx, msg)
	}
	return nil
}

// Handle runs one message and settles it: acked on success, requeued or
// dead-lettered on failure. The returned error is the processing error, already
// dealt with. Exported so it can be reused by the reclaimer.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	ctx = withMessageFields(ctx, msg)

	err := w.processMessageSafe(ctx, msg)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// Shutting down. The message stays pending and the reclaimer picks it up.
		slog.WarnContext(ctx, "message interrupted by shutdown", "error", err)
		return err
	}

	slog.ErrorContext(ctx, "message processing failed",
		"error", err,
		"attempt", msg.Task.Attempt)
	w.handleFailedMessage(ctx, msg, err)
	return err
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage runs the task under its soft time limit, enqueues the follow-up
// task and acks the message. A task that hits the limit is acked and dropped;
// the next stage never ran, so the event is lost rather than processed twice.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	task := msg.Task
	slog.DebugContext(ctx, "processing message", "attempt", task.Attempt)

	sc := logger.StartTaskSpan(ctx, task.TraceID, string(task.Type), msg.Stream)
	defer sc.End()
	spanCtx := sc.Context()

	taskCtx := spanCtx
	cancel := func() {}
	if limit := w.cfg.limitFor(task.Type); limit > 0 {
		taskCtx, cancel = context.WithTimeout(spanCtx, limit)
	}
	start := time.Now()
	tr, err := w.dispatcher.Dispatch(taskCtx, task)
	timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err != nil {
		sc.RecordError(err)
		if timedOut && errors.Is(err, context.DeadlineExceeded) {
			slog.ErrorContext(spanCtx, "task exceeded its soft time limit",
				"limit", w.cfg.limitFor(task.Type),
				"duration_ms", time.Since(start).Milliseconds())
			w.metrics.TaskHandled(string(task.Type), metrics.TaskTimeout)
			w.ack(spanCtx, msg)
			return nil
		}
		return err
	}

	if tr.Task != nil {
		if err := w.producer.Enqueue(spanCtx, *tr.Task); err != nil {
			return fmt.Errorf("enqueueing %s: %w", tr.Task.Type, err)
		}
	}

	w.ack(spanCtx, msg)
	w.metrics.TaskHandled(string(task.Type), metrics.TaskAcked)

	slog.DebugContext(spanCtx, "message processed",
		"next", tr.Next,
		"reason", tr.Reason,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	if err := w.consumer.Ack(ctx, msg); err != nil {
		// The reclaimer redelivers it; stages tolerate running twice.
		slog.WarnContext(ctx, "failed to ACK message", "error", err)
	}
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	switch {
	case !ingest.IsRetryable(err):
		slog.ErrorContext(ctx, "non-retryable failure, sending to DLQ")
	case msg.Task.Attempt >= w.cfg.MaxAttempts:
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ", "attempts", msg.Task.Attempt)
	default:
		slog.WarnContext(ctx, "requeuing failed message", "attempt", msg.Task.Attempt)
		if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
			slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
			return
		}
		w.metrics.TaskHandled(string(msg.Task.Type), metrics.TaskRequeued)
		return
	}

	if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
		slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		return
	}
	w.metrics.TaskHandled(string(msg.Task.Type), metrics.TaskDLQ)
}

func withMessageFields(ctx context.Context, msg queue.Message) context.Context {
	fields := logger.LogFields{
		TaskType:  logger.Ptr(string(msg.Task.Type)),
		MessageID: logger.Ptr(msg.ID),
	}
	if msg.Stream != "" {
		fields.Stream = logger.Ptr(msg.Stream)
	}
	if msg.Task.EventID != "" {
		fields.EventID = logger.Ptr(msg.Task.EventID)
	}
	if msg.Task.ProjectID != 0 {
		fields.ProjectID = logger.Ptr(msg.Task.ProjectID)
	}
	if msg.Task.CacheKey != "" {
		fields.CacheKey = logger.Ptr(msg.Task.CacheKey)
	}
	return logger.WithLogFields(ctx, fields)
}
