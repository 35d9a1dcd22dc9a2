package ingest

import "basegraph.app/ingest/internal/queue"

type Stage string

const (
	StagePreprocess   Stage = "preprocess"
	StageSymbolicate  Stage = "symbolicate"
	StageProcess      Stage = "process"
	StageSave         Stage = "save"
	StageRetryProcess Stage = "retry_process"
	StageReprocess    Stage = "reprocess"
	StageDone         Stage = "done"
	StageDiscarded    Stage = "discarded"
)

// Terminal reports whether no further task follows.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageDiscarded
}

// Transition is what a stage decided. When Task is set the caller enqueues it;
// the stage itself never runs the next one.
type Transition struct {
	Next   Stage
	Task   *queue.Task
	Reason string
}

// Reasons attached to transitions that are not the regular next stage.
const (
	ReasonCacheMiss        = "cache"
	ReasonCacheUnavailable = "cache_unavailable"
	ReasonQueueSwitch      = "queue_switch"
	ReasonKillswitch       = "killswitch"
	ReasonProcessingIssue  = "processing_issue"
	ReasonRevisionChanged  = "revision_changed"
	ReasonRetryProcessing  = "retry_processing"
	ReasonHashDiscarded    = "hash_discarded"
	ReasonLockHeld         = "lock_held"
	ReasonMoreEvents       = "more_events"
)

func done(reason string) Transition {
	return Transition{Next: StageDone, Reason: reason}
}

func discarded(reason string) Transition {
	return Transition{Next: StageDiscarded, Reason: reason}
}
