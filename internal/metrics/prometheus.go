package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink with the Prometheus client. Registration errors
// are logged and never propagated.
type PrometheusSink struct {
	stageDuration     *prometheus.HistogramVec
	stageTransitions  *prometheus.CounterVec
	eventsFailed      *prometheus.CounterVec
	processorErrors   *prometheus.CounterVec
	timeToProcess     prometheus.Histogram
	eventsSaved       *prometheus.CounterVec
	symbolicationTime *prometheus.HistogramVec
	symbolicationRuns *prometheus.CounterVec
	queueSwitches     *prometheus.CounterVec
	issueResults      *prometheus.CounterVec
	tasks             *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initStageMetrics(reg)
	s.initSymbolicationMetrics(reg)
	s.initWorkerMetrics(reg)
	return s
}

func (s *PrometheusSink) initStageMetrics(reg prometheus.Registerer) {
	s.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_stage_duration_seconds",
		Help:    "Duration of one stage execution in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"stage"})
	s.stageTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_stage_transitions_total",
		Help: "Stage executions by the stage they handed off to.",
	}, []string{"stage", "next"})
	s.eventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_failed_total",
		Help: "Events that left the pipeline without being saved.",
	}, []string{"stage", "reason"})
	s.processorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_processor_errors_total",
		Help: "Plugin preprocessor failures.",
	}, []string{"plugin"})
	s.timeToProcess = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_events_time_to_process_seconds",
		Help:    "Time from pipeline entry to save.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
	})
	s.eventsSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_saved_total",
		Help: "Save stage outcomes.",
	}, []string{"outcome"})

	s.register(reg, s.stageDuration, "ingest_stage_duration_seconds")
	s.register(reg, s.stageTransitions, "ingest_stage_transitions_total")
	s.register(reg, s.eventsFailed, "ingest_events_failed_total")
	s.register(reg, s.processorErrors, "ingest_processor_errors_total")
	s.register(reg, s.timeToProcess, "ingest_events_time_to_process_seconds")
	s.register(reg, s.eventsSaved, "ingest_events_saved_total")
}

func (s *PrometheusSink) initSymbolicationMetrics(reg prometheus.Registerer) {
	s.symbolicationTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_symbolication_duration_seconds",
		Help:    "Wall time of a symbolication run including retry waits.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"queue"})
	s.symbolicationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_symbolication_runs_total",
		Help: "Symbolication runs by final outcome.",
	}, []string{"queue", "outcome", "attempts"})
	s.queueSwitches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_symbolication_queue_switches_total",
		Help: "Symbolicate tasks re-submitted to the other priority queue.",
	}, []string{"from", "to"})
	s.issueResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_processing_issue_results_total",
		Help: "Outcomes of recording processing issues.",
	}, []string{"result"})

	s.register(reg, s.symbolicationTime, "ingest_symbolication_duration_seconds")
	s.register(reg, s.symbolicationRuns, "ingest_symbolication_runs_total")
	s.register(reg, s.queueSwitches, "ingest_symbolication_queue_switches_total")
	s.register(reg, s.issueResults, "ingest_processing_issue_results_total")
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_tasks_total",
		Help: "Tasks handled by workers, by how the message was settled.",
	}, []string{"task_type", "result"})

	s.register(reg, s.tasks, "ingest_tasks_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "error", err)
	}
}

func (s *PrometheusSink) StageCompleted(stage, next string, duration time.Duration) {
	s.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	s.stageTransitions.WithLabelValues(stage, next).Inc()
}

func (s *PrometheusSink) EventFailed(stage, reason string) {
	s.eventsFailed.WithLabelValues(stage, reason).Inc()
}

func (s *PrometheusSink) ProcessorError(plugin string) {
	s.processorErrors.WithLabelValues(plugin).Inc()
}

func (s *PrometheusSink) TimeToProcess(d time.Duration) {
	s.timeToProcess.Observe(d.Seconds())
}

func (s *PrometheusSink) EventSaved(outcome string) {
	s.eventsSaved.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) SymbolicationCompleted(queue, outcome string, attempts int, duration time.Duration) {
	s.symbolicationTime.WithLabelValues(queue).Observe(duration.Seconds())
	s.symbolicationRuns.WithLabelValues(queue, outcome, attemptsBucket(attempts)).Inc()
}

func (s *PrometheusSink) QueueSwitched(from, to string) {
	s.queueSwitches.WithLabelValues(from, to).Inc()
}

func (s *PrometheusSink) ProcessingIssueResult(result string) {
	s.issueResults.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) TaskHandled(taskType, result string) {
	s.tasks.WithLabelValues(taskType, result).Inc()
}

// attemptsBucket keeps the label cardinality bounded.
func attemptsBucket(n int) string {
	switch {
	case n <= 3:
		return strconv.Itoa(n)
	case n <= 10:
		return "4-10"
	default:
		return "10+"
	}
}
