package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/ingest/common/logger"
	"basegraph.app/ingest/internal/event"
)

type ConsumerConfig struct {
	Stream       string        // Redis stream name
	Group        string        // Redis consumer group name
	Consumer     string        // Redis consumer name
	DLQStream    string        // Dead letter queue stream for failed messages
	BatchSize    int64         // Number of messages to process per batch
	Block        time.Duration // How long to block/poll for new messages
	RequeueDelay time.Duration // Delay before retrying failed messages
}

type Message struct {
	ID     string
	Stream string
	Task   Task
	Raw    redis.XMessage
}

// MessageProcessor processes a queue message.
type MessageProcessor func(ctx context.Context, msg Message) error

type RedisConsumer struct {
	client redis.UniversalClient
	cfg    ConsumerConfig
}

func NewRedisConsumer(ctx context.Context, client redis.UniversalClient, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	if err := consumer.ensureGroup(ctx); err != nil {
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) Stream() string {
	return c.cfg.Stream
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Start from "0" so a recreated group still sees messages already in the stream.
	if err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Stream:    &c.cfg.Stream,
		Component: "ingest.queue.consumer",
	})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		// ">" only delivers new messages. Unacked ones are picked up by the reclaimer.
		Streams: []string{c.cfg.Stream, ">"},
		Count:   c.cfg.BatchSize,
		Block:   c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			parsed, parseErr := ParseMessage(msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse message",
					"error", parseErr,
					"raw_message_id", msg.ID)
				_ = c.SendDLQ(ctx, Message{ID: msg.ID, Stream: c.cfg.Stream, Raw: msg}, parseErr.Error())
				continue
			}
			parsed.Stream = c.cfg.Stream
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from stream",
			"count", len(messages),
			"consumer", c.cfg.Consumer)
	}

	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}
	return nil
}

// Requeue acks msg and appends a copy with the next attempt number.
func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for requeue: %w", err)
	}

	task := msg.Task
	task.Attempt++
	values, err := EncodeTask(task)
	if err != nil {
		return fmt.Errorf("encoding requeued task: %w", err)
	}
	if errMsg != "" {
		values["last_error"] = logger.Truncate(errMsg, 512)
	}

	if c.cfg.RequeueDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RequeueDelay):
		}
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	slog.InfoContext(ctx, "message requeued for retry",
		"next_attempt", task.Attempt,
		"reason", errMsg)
	return nil
}

// SendDLQ acks msg and copies its raw fields to the dead letter stream.
func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for dlq: %w", err)
	}

	values := make(map[string]any, len(msg.Raw.Values)+2)
	for k, v := range msg.Raw.Values {
		values[k] = v
	}
	values["error"] = logger.Truncate(errMsg, 2048)
	values["source_stream"] = c.cfg.Stream

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}

// ParseMessage decodes and validates a stream entry.
func ParseMessage(msg redis.XMessage) (Message, error) {
	v := msg.Values

	taskType := TaskType(optionalString(v, "task_type"))
	if taskType == "" {
		return Message{}, fmt.Errorf("missing task_type")
	}
	if !taskType.Valid() {
		return Message{}, fmt.Errorf("unknown task_type %q", taskType)
	}

	task := Task{
		Type:            taskType,
		CacheKey:        optionalString(v, "cache_key"),
		EventID:         optionalString(v, "event_id"),
		ProcessTaskName: TaskType(optionalString(v, "process_task_name")),
		TraceID:         optionalString(v, "trace_id"),
	}

	var err error
	if task.ProjectID, err = optionalInt64(v, "project_id"); err != nil {
		return Message{}, err
	}
	if task.QueueSwitches, err = optionalInt(v, "queue_switches"); err != nil {
		return Message{}, err
	}
	if task.Attempt, err = optionalInt(v, "attempt"); err != nil {
		return Message{}, err
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	if task.DataHasChanged, err = optionalBool(v, "data_has_changed"); err != nil {
		return Message{}, err
	}
	if task.FromSymbolicate, err = optionalBool(v, "from_symbolicate"); err != nil {
		return Message{}, err
	}
	if task.StartTime, err = optionalTime(v, "start_time"); err != nil {
		return Message{}, err
	}
	if task.NotBefore, err = optionalTime(v, "not_before"); err != nil {
		return Message{}, err
	}

	if raw := optionalString(v, "data"); raw != "" {
		data, err := event.Decode([]byte(raw))
		if err != nil {
			return Message{}, fmt.Errorf("parsing data: %w", err)
		}
		task.Data = data
	}

	if err := validate(task); err != nil {
		return Message{}, err
	}

	return Message{
		ID:   msg.ID,
		Task: task,
		Raw:  msg,
	}, nil
}

func validate(t Task) error {
	switch {
	case t.Type == TaskTypePreprocessEvent || t.Type == TaskTypePreprocessEventFromReprocessing:
		if t.CacheKey == "" && t.Data == nil {
			return fmt.Errorf("%s: missing cache_key or data", t.Type)
		}
	case t.Type.IsSymbolicate(), t.Type == TaskTypeProcessEvent, t.Type == TaskTypeProcessEventFromReprocessing:
		if t.CacheKey == "" {
			return fmt.Errorf("%s: missing cache_key", t.Type)
		}
	case t.Type == TaskTypeRetryProcessEvent:
		if t.ProcessTaskName != TaskTypeProcessEvent && t.ProcessTaskName != TaskTypeProcessEventFromReprocessing {
			return fmt.Errorf("%s: invalid process_task_name %q", t.Type, t.ProcessTaskName)
		}
		if t.CacheKey == "" {
			return fmt.Errorf("%s: missing cache_key", t.Type)
		}
	case t.Type == TaskTypeReprocessEvents, t.Type == TaskTypeBumpRevision:
		if t.ProjectID == 0 {
			return fmt.Errorf("%s: missing project_id", t.Type)
		}
	}
	return nil
}

// EncodeTask renders a task as stream entry values.
func EncodeTask(t Task) (map[string]any, error) {
	attempt := t.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	values := map[string]any{
		"task_type": string(t.Type),
		"attempt":   attempt,
	}

	if t.CacheKey != "" {
		values["cache_key"] = t.CacheKey
	}
	if t.Data != nil {
		b, err := event.Encode(t.Data)
		if err != nil {
			return nil, err
		}
		values["data"] = b
	}
	if !t.StartTime.IsZero() {
		values["start_time"] = formatTime(t.StartTime)
	}
	if t.EventID != "" {
		values["event_id"] = t.EventID
	}
	if t.ProjectID != 0 {
		values["project_id"] = t.ProjectID
	}
	if t.QueueSwitches != 0 {
		values["queue_switches"] = t.QueueSwitches
	}
	if t.DataHasChanged {
		values["data_has_changed"] = "1"
	}
	if t.FromSymbolicate {
		values["from_symbolicate"] = "1"
	}
	if t.ProcessTaskName != "" {
		values["process_task_name"] = string(t.ProcessTaskName)
	}
	if !t.NotBefore.IsZero() {
		values["not_before"] = formatTime(t.NotBefore)
	}
	if t.TraceID != "" {
		values["trace_id"] = t.TraceID
	}
	return values, nil
}

// Times travel as fractional unix seconds.
func formatTime(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

func optionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}

func optionalInt64(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func optionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func optionalBool(values map[string]any, key string) (bool, error) {
	raw, ok := values[key]
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(fmt.Sprint(raw))
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", key, err)
	}
	return b, nil
}

func optionalTime(values map[string]any, key string) (time.Time, error) {
	raw, ok := values[key]
	if !ok {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseFloat(fmt.Sprint(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
	}
	return time.UnixMicro(int64(math.Round(secs * 1e6))), nil
}
