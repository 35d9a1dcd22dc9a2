package metrics

import "time"

// NoopSink is used when metrics are disabled and in tests.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) StageCompleted(stage, next string, duration time.Duration)                   {}
func (n *NoopSink) EventFailed(stage, reason string)                                            {}
func (n *NoopSink) ProcessorError(plugin string)                                                {}
func (n *NoopSink) TimeToProcess(d time.Duration)                                               {}
func (n *NoopSink) EventSaved(outcome string)                                                   {}
func (n *NoopSink) SymbolicationCompleted(queue, outcome string, attempts int, d time.Duration) {}
func (n *NoopSink) QueueSwitched(from, to string)                                               {}
func (n *NoopSink) ProcessingIssueResult(result string)                                         {}
func (n *NoopSink) TaskHandled(taskType, result string)                                         {}
