// Package ingest implements the event pipeline stages: preprocess, symbolicate,
// process and save. Each stage loads its payload, does its work and returns the
// Transition to the next stage; enqueueing that transition is up to the caller.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"basegraph.app/ingest/common/logger"
	"basegraph.app/ingest/internal/cache"
	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/metrics"
	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/queue"
	"basegraph.app/ingest/internal/store"
)

// Deps are the collaborators of the pipeline. Backups, Tracker and Metrics are
// optional.
type Deps struct {
	Payloads      cache.PayloadCache
	Attachments   cache.AttachmentCache
	Projects      ProjectLookup
	Organizations OrganizationLookup
	Plugins       []Plugin
	Stacktraces   StacktraceProcessor
	Scrubber      Scrubber
	Normalizer    Normalizer
	Events        EventManager
	Issues        ProcessingIssueRecorder
	Killswitches  Killswitches
	Router        Router
	Symbolication SymbolicationRunner
	Tracker       LoadTracker
	Backups       store.UnprocessedEventStore
	Metrics       metrics.Sink
}

type Options struct {
	MaxQueueSwitches      int
	CanUseScrubbers       bool
	BackupUnprocessed     bool
	RetryProcessingDelay  time.Duration
	MetricsSubmissionRate float64

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a number in [0, 1) and drives telemetry sampling.
	Rand func() float64
}

type Pipeline struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopSink()
	}
	if opts.MaxQueueSwitches < 0 {
		opts.MaxQueueSwitches = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Pipeline{deps: deps, opts: opts}
}

// Dispatch runs the stage that handles the task's type.
func (p *Pipeline) Dispatch(ctx context.Context, task queue.Task) (Transition, error) {
	var (
		stage Stage
		run   func(context.Context, queue.Task) (Transition, error)
	)
	switch {
	case task.Type == queue.TaskTypePreprocessEvent || task.Type == queue.TaskTypePreprocessEventFromReprocessing:
		stage, run = StagePreprocess, p.Preprocess
	case task.Type.IsSymbolicate():
		stage, run = StageSymbolicate, p.Symbolicate
	case task.Type == queue.TaskTypeProcessEvent || task.Type == queue.TaskTypeProcessEventFromReprocessing:
		stage, run = StageProcess, p.Process
	case task.Type == queue.TaskTypeSaveEvent:
		stage, run = StageSave, p.Save
	case task.Type == queue.TaskTypeRetryProcessEvent:
		stage, run = StageRetryProcess, p.RetryProcess
	case task.Type == queue.TaskTypeReprocessEvents:
		stage, run = StageReprocess, p.Reprocess
	case task.Type == queue.TaskTypeBumpRevision:
		stage, run = StageReprocess, p.BumpRevision
	default:
		return Transition{}, fmt.Errorf("%w: no stage handles task type %q", ErrNonRetryable, task.Type)
	}

	sc := logger.StartSpan(ctx, "ingest.stage."+string(stage))
	defer sc.End()
	ctx = logger.WithLogFields(sc.Context(), logger.LogFields{
		Component: "ingest.stage." + string(stage),
	})
	if task.EventID != "" {
		ctx = logger.WithLogFields(ctx, logger.LogFields{EventID: logger.Ptr(task.EventID)})
	}
	if task.ProjectID != 0 {
		ctx = logger.WithLogFields(ctx, logger.LogFields{ProjectID: logger.Ptr(task.ProjectID)})
	}
	if task.CacheKey != "" {
		ctx = logger.WithLogFields(ctx, logger.LogFields{CacheKey: logger.Ptr(task.CacheKey)})
	}

	start := p.opts.Now()
	tr, err := run(ctx, task)
	if err != nil {
		sc.RecordError(err)
		return tr, err
	}
	p.deps.Metrics.StageCompleted(string(stage), string(tr.Next), p.opts.Now().Sub(start))
	return tr, nil
}

// loaded is a payload together with where it came from.
type loaded struct {
	payload *event.Payload
	key     string
}

// load fetches the task's payload. Inline data wins over the cache. A nil
// payload means the run ends with the returned transition and error.
func (p *Pipeline) load(ctx context.Context, stage Stage, task queue.Task) (loaded, Transition, error) {
	if task.Data != nil {
		return loaded{payload: task.Data, key: task.CacheKey}, Transition{}, nil
	}
	if task.CacheKey == "" {
		slog.ErrorContext(ctx, "task carries neither data nor cache key")
		p.deps.Metrics.EventFailed(string(stage), metrics.ReasonCache)
		return loaded{}, discarded(ReasonCacheMiss), nil
	}

	payload, err := p.deps.Payloads.Get(ctx, task.CacheKey)
	if err != nil {
		tr, err := p.cacheFailure(ctx, stage, err)
		return loaded{}, tr, err
	}
	if payload == nil {
		slog.InfoContext(ctx, "payload missing from cache", "stage", stage)
		p.deps.Metrics.EventFailed(string(stage), metrics.ReasonCache)
		return loaded{}, discarded(ReasonCacheMiss), nil
	}
	return loaded{payload: payload, key: task.CacheKey}, Transition{}, nil
}

// cacheFailure ends a run after a payload cache error. An unreachable backend
// discards the task. A payload the codec rejects is dead-lettered instead, so
// the event is not lost without a trace.
func (p *Pipeline) cacheFailure(ctx context.Context, stage Stage, err error) (Transition, error) {
	if errors.Is(err, event.ErrCodec) {
		slog.ErrorContext(ctx, "payload codec failure", "stage", stage, "error", err)
		p.deps.Metrics.EventFailed(string(stage), metrics.ReasonCodec)
		return Transition{}, fmt.Errorf("%w: %w", ErrNonRetryable, err)
	}
	slog.ErrorContext(ctx, "payload cache unavailable", "stage", stage, "error", err)
	p.deps.Metrics.EventFailed(string(stage), metrics.ReasonCacheUnavailable)
	return discarded(ReasonCacheUnavailable), nil
}

// resolve looks up the project and its organization. Unknown rows are not
// retried.
func (p *Pipeline) resolve(ctx context.Context, projectID int64) (*model.Project, *model.Organization, error) {
	project, err := p.deps.Projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: project %d not found", ErrNonRetryable, projectID)
		}
		return nil, nil, fmt.Errorf("loading project %d: %w", projectID, err)
	}
	org, err := p.deps.Organizations.GetOrganization(ctx, project.OrganizationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: organization %d not found", ErrNonRetryable, project.OrganizationID)
		}
		return nil, nil, fmt.Errorf("loading organization %d: %w", project.OrganizationID, err)
	}
	return project, org, nil
}

// sampled decides whether this run reports realtime load.
func (p *Pipeline) sampled() bool {
	if p.deps.Tracker == nil || p.opts.MetricsSubmissionRate <= 0 {
		return false
	}
	return p.opts.MetricsSubmissionRate >= 1 || p.opts.Rand() < p.opts.MetricsSubmissionRate
}

// follow builds the next task of the same event, carrying over what every
// stage needs.
func follow(task queue.Task, typ queue.TaskType, key string, payload *event.Payload) queue.Task {
	eventID := task.EventID
	if eventID == "" {
		eventID = payload.EventID
	}
	return queue.Task{
		Type:      typ,
		CacheKey:  key,
		StartTime: task.StartTime,
		EventID:   eventID,
		ProjectID: payload.ProjectID,
		TraceID:   task.TraceID,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
