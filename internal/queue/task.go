package queue

import (
	"time"

	"basegraph.app/ingest/internal/event"
)

type TaskType string

const (
	TaskTypePreprocessEvent                             TaskType = "preprocess_event"
	TaskTypePreprocessEventFromReprocessing             TaskType = "preprocess_event_from_reprocessing"
	TaskTypeSymbolicateEvent                            TaskType = "symbolicate_event"
	TaskTypeSymbolicateEventLowPriority                 TaskType = "symbolicate_event_low_priority"
	TaskTypeSymbolicateEventFromReprocessing            TaskType = "symbolicate_event_from_reprocessing"
	TaskTypeSymbolicateEventFromReprocessingLowPriority TaskType = "symbolicate_event_from_reprocessing_low_priority"
	TaskTypeProcessEvent                                TaskType = "process_event"
	TaskTypeProcessEventFromReprocessing                TaskType = "process_event_from_reprocessing"
	TaskTypeSaveEvent                                   TaskType = "save_event"
	TaskTypeRetryProcessEvent                           TaskType = "retry_process_event"
	TaskTypeReprocessEvents                             TaskType = "reprocess_events"
	// TaskTypeBumpRevision is enqueued by whatever changes a project's
	// reprocessing configuration.
	TaskTypeBumpRevision TaskType = "bump_reprocessing_revision"
)

// AllTaskTypes lists every task type in pipeline order.
var AllTaskTypes = []TaskType{
	TaskTypePreprocessEvent,
	TaskTypePreprocessEventFromReprocessing,
	TaskTypeSymbolicateEvent,
	TaskTypeSymbolicateEventLowPriority,
	TaskTypeSymbolicateEventFromReprocessing,
	TaskTypeSymbolicateEventFromReprocessingLowPriority,
	TaskTypeProcessEvent,
	TaskTypeProcessEventFromReprocessing,
	TaskTypeSaveEvent,
	TaskTypeRetryProcessEvent,
	TaskTypeReprocessEvents,
	TaskTypeBumpRevision,
}

var streams = map[TaskType]string{
	TaskTypePreprocessEvent:                             "events.preprocess_event",
	TaskTypePreprocessEventFromReprocessing:             "events.reprocessing.preprocess_event",
	TaskTypeSymbolicateEvent:                            "events.symbolicate_event",
	TaskTypeSymbolicateEventLowPriority:                 "events.symbolicate_event_low_priority",
	TaskTypeSymbolicateEventFromReprocessing:            "events.reprocessing.symbolicate_event",
	TaskTypeSymbolicateEventFromReprocessingLowPriority: "events.reprocessing.symbolicate_event_low_priority",
	TaskTypeProcessEvent:                                "events.process_event",
	TaskTypeProcessEventFromReprocessing:                "events.reprocessing.process_event",
	TaskTypeSaveEvent:                                   "events.save_event",
	TaskTypeRetryProcessEvent:                           "sleep",
	TaskTypeReprocessEvents:                             "events.reprocess_events",
	TaskTypeBumpRevision:                                "events.bump_reprocessing_revision",
}

func (t TaskType) Valid() bool {
	_, ok := streams[t]
	return ok
}

// Stream is the Redis stream the task type is consumed from.
func (t TaskType) Stream(prefix string) string {
	return prefix + streams[t]
}

func (t TaskType) FromReprocessing() bool {
	switch t {
	case TaskTypePreprocessEventFromReprocessing,
		TaskTypeSymbolicateEventFromReprocessing,
		TaskTypeSymbolicateEventFromReprocessingLowPriority,
		TaskTypeProcessEventFromReprocessing:
		return true
	}
	return false
}

func (t TaskType) IsSymbolicate() bool {
	switch t {
	case TaskTypeSymbolicateEvent,
		TaskTypeSymbolicateEventLowPriority,
		TaskTypeSymbolicateEventFromReprocessing,
		TaskTypeSymbolicateEventFromReprocessingLowPriority:
		return true
	}
	return false
}

func (t TaskType) IsLowPriority() bool {
	return t == TaskTypeSymbolicateEventLowPriority || t == TaskTypeSymbolicateEventFromReprocessingLowPriority
}

func PreprocessTaskType(fromReprocessing bool) TaskType {
	if fromReprocessing {
		return TaskTypePreprocessEventFromReprocessing
	}
	return TaskTypePreprocessEvent
}

func SymbolicateTaskType(fromReprocessing, lowPriority bool) TaskType {
	switch {
	case fromReprocessing && lowPriority:
		return TaskTypeSymbolicateEventFromReprocessingLowPriority
	case fromReprocessing:
		return TaskTypeSymbolicateEventFromReprocessing
	case lowPriority:
		return TaskTypeSymbolicateEventLowPriority
	default:
		return TaskTypeSymbolicateEvent
	}
}

func ProcessTaskType(fromReprocessing bool) TaskType {
	if fromReprocessing {
		return TaskTypeProcessEventFromReprocessing
	}
	return TaskTypeProcessEvent
}

// Task is one unit of pipeline work. Which fields are set depends on Type.
type Task struct {
	Type TaskType

	CacheKey string
	// Data carries the payload inline when there is no cache key.
	Data      *event.Payload
	StartTime time.Time
	EventID   string
	ProjectID int64

	QueueSwitches   int
	DataHasChanged  bool
	FromSymbolicate bool

	// ProcessTaskName and NotBefore are used by retry_process_event.
	ProcessTaskName TaskType
	NotBefore       time.Time

	Attempt int
	TraceID string
}
