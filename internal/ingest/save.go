package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"basegraph.app/ingest/internal/eventmanager"
	"basegraph.app/ingest/internal/metrics"
	"basegraph.app/ingest/internal/queue"
	"basegraph.app/ingest/internal/reprocessing"
)

// Save persists the event and clears everything cached for it. Running it again
// for an event already saved finds the cache empty and exits quietly.
func (p *Pipeline) Save(ctx context.Context, task queue.Task) (Transition, error) {
	payload := task.Data
	if payload == nil && task.CacheKey != "" {
		var err error
		payload, err = p.deps.Payloads.Get(ctx, task.CacheKey)
		if err != nil {
			p.clearCaches(ctx, task.CacheKey)
			return p.cacheFailure(ctx, StageSave, err)
		}
	}

	defer p.clearCaches(ctx, task.CacheKey)

	projectID := task.ProjectID
	eventID := task.EventID
	if !payload.IsEmpty() {
		if projectID == 0 {
			projectID = payload.ProjectID
		}
		if eventID == "" {
			eventID = payload.EventID
		}
	}

	// Raw events only exist for events that can be reprocessed. Without data we
	// cannot tell, so delete to be safe.
	if payload.IsEmpty() || reprocessing.Supports(payload) {
		if projectID != 0 && eventID != "" {
			if err := p.deps.Issues.DeleteRawEvent(ctx, projectID, eventID, true); err != nil {
				slog.WarnContext(ctx, "failed to delete raw event", "error", err)
			}
		}
	}

	if payload.IsEmpty() {
		slog.InfoContext(ctx, "nothing to save, payload is gone")
		p.deps.Metrics.EventFailed(string(StageSave), metrics.ReasonCache)
		return discarded(ReasonCacheMiss), nil
	}

	if !task.StartTime.IsZero() {
		defer func() {
			p.deps.Metrics.TimeToProcess(p.opts.Now().Sub(task.StartTime))
		}()
	}

	outcome, err := p.deps.Events.Save(ctx, payload, projectID)
	if err != nil {
		return Transition{}, fmt.Errorf("saving event: %w", err)
	}
	p.deps.Metrics.EventSaved(outcome.String())

	if outcome == eventmanager.SaveDiscarded {
		return done(ReasonHashDiscarded), nil
	}
	return done(""), nil
}

// clearCaches drops the payload and attachments of the event. Failures are
// logged; the entries expire on their own.
func (p *Pipeline) clearCaches(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := p.deps.Payloads.Delete(ctx, key); err != nil {
		slog.WarnContext(ctx, "failed to delete cached payload", "error", err)
	}
	if p.deps.Attachments != nil {
		if err := p.deps.Attachments.Delete(ctx, key); err != nil {
			slog.WarnContext(ctx, "failed to delete cached attachments", "error", err)
		}
	}
}
