package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"basegraph.app/ingest/internal/queue"
	"basegraph.app/ingest/internal/reprocessing"
)

// RetryProcess waits until the task is due and hands it back to the process
// stage it came from.
func (p *Pipeline) RetryProcess(ctx context.Context, task queue.Task) (Transition, error) {
	if task.ProcessTaskName != queue.TaskTypeProcessEvent && task.ProcessTaskName != queue.TaskTypeProcessEventFromReprocessing {
		return Transition{}, fmt.Errorf("%w: retry of unexpected task %q", ErrNonRetryable, task.ProcessTaskName)
	}

	if wait := task.NotBefore.Sub(p.opts.Now()); wait > 0 {
		if err := p.opts.Sleep(ctx, wait); err != nil {
			return Transition{}, fmt.Errorf("waiting to retry processing: %w", err)
		}
	}

	next := queue.Task{
		Type:            task.ProcessTaskName,
		CacheKey:        task.CacheKey,
		Data:            task.Data,
		StartTime:       task.StartTime,
		EventID:         task.EventID,
		ProjectID:       task.ProjectID,
		DataHasChanged:  task.DataHasChanged,
		FromSymbolicate: task.FromSymbolicate,
		TraceID:         task.TraceID,
	}
	return Transition{Next: StageProcess, Task: &next}, nil
}

// Reprocess re-submits one batch of the project's parked events and schedules
// itself again while more are left.
func (p *Pipeline) Reprocess(ctx context.Context, task queue.Task) (Transition, error) {
	if task.ProjectID == 0 {
		return Transition{}, fmt.Errorf("%w: reprocess task without project", ErrNonRetryable)
	}

	more, err := p.deps.Issues.ReprocessEvents(ctx, task.ProjectID)
	if err != nil {
		if reprocessing.IsLockHeld(err) {
			slog.InfoContext(ctx, "project is already being reprocessed")
			return done(ReasonLockHeld), nil
		}
		return Transition{}, fmt.Errorf("reprocessing project %d: %w", task.ProjectID, err)
	}
	if !more {
		return done(""), nil
	}

	next := queue.Task{
		Type:      queue.TaskTypeReprocessEvents,
		ProjectID: task.ProjectID,
		StartTime: task.StartTime,
		TraceID:   task.TraceID,
	}
	return Transition{Next: StageReprocess, Task: &next, Reason: ReasonMoreEvents}, nil
}

// BumpRevision moves the project to a new reprocessing revision. The ledger
// schedules the reprocess_events run itself.
func (p *Pipeline) BumpRevision(ctx context.Context, task queue.Task) (Transition, error) {
	if task.ProjectID == 0 {
		return Transition{}, fmt.Errorf("%w: revision bump without project", ErrNonRetryable)
	}
	rev, err := p.deps.Issues.BumpRevision(ctx, task.ProjectID)
	if err != nil {
		return Transition{}, err
	}
	slog.InfoContext(ctx, "reprocessing scheduled", "revision", rev)
	return done(""), nil
}
