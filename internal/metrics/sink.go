package metrics

import "time"

// Sink records pipeline metrics. Methods never block and never fail.
type Sink interface {
	// Stage metrics
	StageCompleted(stage, next string, duration time.Duration)
	EventFailed(stage, reason string)
	ProcessorError(plugin string)
	TimeToProcess(d time.Duration)
	EventSaved(outcome string)

	// Symbolication metrics
	SymbolicationCompleted(queue, outcome string, attempts int, duration time.Duration)
	QueueSwitched(from, to string)

	// Reprocessing metrics
	ProcessingIssueResult(result string)

	// Worker metrics
	TaskHandled(taskType, result string)
}

// Failure reasons for EventFailed.
const (
	ReasonCache            = "cache"
	ReasonCacheUnavailable = "cache_unavailable"
	ReasonCodec            = "codec"
	ReasonTimeout          = "timeout"
)

// Results for TaskHandled.
const (
	TaskAcked    = "ack"
	TaskRequeued = "requeue"
	TaskDLQ      = "dlq"
	TaskTimeout  = "timeout"
)
