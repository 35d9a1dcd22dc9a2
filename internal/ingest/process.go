package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/killswitch"
	"basegraph.app/ingest/internal/queue"
	"basegraph.app/ingest/internal/reprocessing"
)

// Process enriches the event with plugins, stack trace processing and scrubbing,
// and parks it when processing surfaced blocking issues.
func (p *Pipeline) Process(ctx context.Context, task queue.Task) (Transition, error) {
	in, tr, err := p.load(ctx, StageProcess, task)
	if in.payload == nil {
		return tr, err
	}
	payload := in.payload
	key := in.key
	projectID := payload.ProjectID
	fromReprocessing := task.Type.FromReprocessing()

	toSave := func(reason string) Transition {
		next := follow(task, queue.TaskTypeSaveEvent, key, payload)
		next.ProjectID = projectID
		return Transition{Next: StageSave, Task: &next, Reason: reason}
	}

	if p.deps.Killswitches.Matches(killswitch.LoadShedProcess, switchContext(payload)) {
		slog.InfoContext(ctx, "processing skipped by killswitch")
		if key == "" {
			stored, err := p.deps.Payloads.Store(ctx, payload)
			if err != nil {
				return p.cacheFailure(ctx, StageProcess, err)
			}
			key = stored
		}
		return toSave(ReasonKillswitch), nil
	}

	project, _, err := p.resolve(ctx, projectID)
	if err != nil {
		return Transition{}, err
	}
	revision, err := p.deps.Issues.Revision(ctx, projectID)
	if err != nil {
		return Transition{}, fmt.Errorf("reading reprocessing revision: %w", err)
	}

	hasChanged := task.DataHasChanged

	enhanced, changed, err := p.runEnhancers(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrRetryProcessing) {
			return p.retryLater(ctx, task, key), nil
		}
		return Transition{}, err
	}
	if changed {
		payload, hasChanged = enhanced, true
	}

	if p.deps.Stacktraces != nil && p.deps.Stacktraces.Wants(payload) {
		changed, err := p.deps.Stacktraces.ProcessStacktraces(ctx, project, payload)
		if err != nil {
			slog.ErrorContext(ctx, "stack trace processing failed", "error", err)
			payload.SetFlag(event.FlagProcessingError)
			changed = true
		}
		hasChanged = hasChanged || changed
	}

	if hasChanged && p.opts.CanUseScrubbers && p.deps.Scrubber != nil {
		if scrubbed := p.deps.Scrubber.Scrub(ctx, project, payload.Data); scrubbed != nil {
			payload.Data = scrubbed
		}
	}

	processed, changed, err := p.runPreprocessors(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrRetryProcessing) {
			return p.retryLater(ctx, task, key), nil
		}
		return Transition{}, err
	}
	if changed {
		payload, hasChanged = processed, true
	}

	if payload.ProjectID != projectID {
		return Transition{}, &ContractViolationError{
			Stage:   StageProcess,
			Message: fmt.Sprintf("project changed from %d to %d by a processor", projectID, payload.ProjectID),
		}
	}

	if hasChanged {
		if p.deps.Normalizer != nil {
			payload = p.deps.Normalizer.Normalize(payload)
		}

		if issues := payload.ProcessingIssues(); len(issues) > 0 {
			result, err := p.deps.Issues.RecordProcessingIssue(ctx, payload, projectID, key, issues, revision)
			if err != nil {
				return Transition{}, fmt.Errorf("recording processing issues: %w", err)
			}
			p.deps.Metrics.ProcessingIssueResult(result.String())

			switch result {
			case reprocessing.RecordRecorded:
				return discarded(ReasonProcessingIssue), nil
			case reprocessing.RecordRestart:
				return p.restart(ctx, task, key, payload, fromReprocessing)
			}
		}

		stored, err := p.deps.Payloads.Store(ctx, payload)
		if err != nil {
			return p.cacheFailure(ctx, StageProcess, err)
		}
		key = stored
	}

	if key == "" {
		stored, err := p.deps.Payloads.Store(ctx, payload)
		if err != nil {
			return p.cacheFailure(ctx, StageProcess, err)
		}
		key = stored
	}
	return toSave(""), nil
}

// runEnhancers applies the enhancers of every plugin. Enhancer failures are
// logged and skipped; only ErrRetryProcessing escapes.
func (p *Pipeline) runEnhancers(ctx context.Context, payload *event.Payload) (*event.Payload, bool, error) {
	changed := false
	for _, plugin := range p.deps.Plugins {
		for _, enhance := range plugin.EventEnhancers(payload) {
			out, err := enhance(ctx, payload)
			if err != nil {
				if errors.Is(err, ErrRetryProcessing) {
					return nil, false, err
				}
				slog.WarnContext(ctx, "event enhancer failed", "plugin", plugin.Slug(), "error", err)
				continue
			}
			if out != nil {
				payload, changed = out, true
			}
		}
	}
	return payload, changed, nil
}

// runPreprocessors applies the preprocessors of every plugin in order. A failing
// processor flags the payload and the loop moves on.
func (p *Pipeline) runPreprocessors(ctx context.Context, payload *event.Payload) (*event.Payload, bool, error) {
	changed := false
	for _, plugin := range p.deps.Plugins {
		for _, process := range plugin.EventPreprocessors(payload) {
			out, err := p.runProcessor(ctx, process, payload)
			if err != nil {
				if errors.Is(err, ErrRetryProcessing) {
					return nil, false, err
				}
				slog.ErrorContext(ctx, "event processor failed", "plugin", plugin.Slug(), "error", err)
				p.deps.Metrics.ProcessorError(plugin.Slug())
				payload.SetFlag(event.FlagProcessingError)
				changed = true
				continue
			}
			if out != nil {
				payload, changed = out, true
			}
		}
	}
	return payload, changed, nil
}

// runProcessor turns a panicking plugin into an ordinary processor failure.
func (p *Pipeline) runProcessor(ctx context.Context, process Processor, payload *event.Payload) (out *event.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return process(ctx, payload)
}

// retryLater parks the task on the sleep queue; the payload in the cache stays
// as it was when this run started.
func (p *Pipeline) retryLater(ctx context.Context, task queue.Task, key string) Transition {
	slog.InfoContext(ctx, "processor asked to retry later", "delay", p.opts.RetryProcessingDelay)
	next := queue.Task{
		Type:            queue.TaskTypeRetryProcessEvent,
		ProcessTaskName: task.Type,
		CacheKey:        key,
		StartTime:       task.StartTime,
		EventID:         task.EventID,
		ProjectID:       task.ProjectID,
		DataHasChanged:  task.DataHasChanged,
		FromSymbolicate: task.FromSymbolicate,
		NotBefore:       p.opts.Now().Add(p.opts.RetryProcessingDelay),
		TraceID:         task.TraceID,
	}
	if key == "" {
		next.Data = task.Data
	}
	return Transition{Next: StageRetryProcess, Task: &next, Reason: ReasonRetryProcessing}
}

// restart sends the event back to preprocess with its pristine payload, because
// the reprocessing revision moved while it was being processed.
func (p *Pipeline) restart(ctx context.Context, task queue.Task, key string, payload *event.Payload, fromReprocessing bool) (Transition, error) {
	next := follow(task, queue.PreprocessTaskType(fromReprocessing), key, payload)

	pristine, err := p.deps.Payloads.GetUnprocessed(ctx, key)
	if err != nil {
		return p.cacheFailure(ctx, StageProcess, err)
	}
	if pristine == nil {
		slog.WarnContext(ctx, "pristine payload missing, restarting from the working copy")
		pristine = payload
	}
	stored, err := p.deps.Payloads.Store(ctx, pristine)
	if err != nil {
		return p.cacheFailure(ctx, StageProcess, err)
	}
	next.CacheKey = stored

	slog.InfoContext(ctx, "restarting event after revision change")
	return Transition{Next: StagePreprocess, Task: &next, Reason: ReasonRevisionChanged}, nil
}
