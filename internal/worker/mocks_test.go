package worker_test

import (
	"context"
	"sync"
	"time"

	"basegraph.app/ingest/internal/ingest"
	"basegraph.app/ingest/internal/metrics"
	"basegraph.app/ingest/internal/queue"
)

type mockConsumer struct {
	mu       sync.Mutex
	pending  []queue.Message
	acks     []string
	requeues []string
	dlqs     []string
}

func (m *mockConsumer) Stream() string { return "events.preprocess_event" }

func (m *mockConsumer) Read(context.Context) ([]queue.Message, error) {
	m.mu.Lock()
	msgs := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(msgs) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	return msgs, nil
}

func (m *mockConsumer) Ack(_ context.Context, msg queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, msg.ID)
	return nil
}

func (m *mockConsumer) Requeue(_ context.Context, msg queue.Message, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeues = append(m.requeues, msg.ID)
	return nil
}

func (m *mockConsumer) SendDLQ(_ context.Context, msg queue.Message, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlqs = append(m.dlqs, msg.ID)
	return nil
}

func (m *mockConsumer) Acks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acks...)
}

type mockDispatcher struct {
	dispatchFn func(ctx context.Context, task queue.Task) (ingest.Transition, error)
	calls      int
}

func (m *mockDispatcher) Dispatch(ctx context.Context, task queue.Task) (ingest.Transition, error) {
	m.calls++
	if m.dispatchFn != nil {
		return m.dispatchFn(ctx, task)
	}
	return ingest.Transition{Next: ingest.StageDone}, nil
}

type mockProducer struct {
	enqueued []queue.Task
	err      error
}

func (m *mockProducer) Enqueue(_ context.Context, task queue.Task) error {
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, task)
	return nil
}

func (m *mockProducer) Close() error { return nil }

// recordingSink keeps the task results it was told about.
type recordingSink struct {
	*metrics.NoopSink
	mu      sync.Mutex
	handled []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{NoopSink: metrics.NewNoopSink()}
}

func (r *recordingSink) TaskHandled(taskType, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, taskType+":"+result)
}
