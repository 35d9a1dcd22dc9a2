package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so every log line emitted while a stage runs
// carries the event it belongs to without passing attributes by hand.
type LogFields struct {
	ProjectID *int64  // Project the event belongs to
	EventID   *string // Event id (hex)
	CacheKey  *string // Payload cache key
	TaskType  *string // Task type being executed (e.g. "symbolicate_event_low_priority")
	MessageID *string // Redis stream message ID
	Stream    *string // Redis stream name
	Component string  // Component name (OTel semantic convention style, e.g. "ingest.stage.process")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.ProjectID != nil {
		result.ProjectID = new.ProjectID
	}
	if new.EventID != nil {
		result.EventID = new.EventID
	}
	if new.CacheKey != nil {
		result.CacheKey = new.CacheKey
	}
	if new.TaskType != nil {
		result.TaskType = new.TaskType
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.Stream != nil {
		result.Stream = new.Stream
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{EventID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
