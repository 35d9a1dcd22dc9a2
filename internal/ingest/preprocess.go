package ingest

import (
	"context"
	"log/slog"

	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/queue"
	"basegraph.app/ingest/internal/symbolication"
)

// Preprocess decides where an incoming event goes: symbolication, processing or
// straight to save.
func (p *Pipeline) Preprocess(ctx context.Context, task queue.Task) (Transition, error) {
	in, tr, err := p.load(ctx, StagePreprocess, task)
	if in.payload == nil {
		return tr, err
	}
	payload := in.payload
	projectID := payload.ProjectID

	if _, _, err := p.resolve(ctx, projectID); err != nil {
		return Transition{}, err
	}

	fromReprocessing := task.Type.FromReprocessing()

	if symbolication.Required(payload) {
		p.backupUnprocessed(ctx, payload)
		key, tr, err := p.handOff(ctx, payload, in.key, task.Data != nil)
		if key == "" {
			return tr, err
		}
		low := p.deps.Router.ShouldDemote(ctx, projectID)
		next := follow(task, queue.SymbolicateTaskType(fromReprocessing, low), key, payload)
		return Transition{Next: StageSymbolicate, Task: &next}, nil
	}

	if p.shouldProcess(payload) {
		key, tr, err := p.handOff(ctx, payload, in.key, task.Data != nil)
		if key == "" {
			return tr, err
		}
		next := follow(task, queue.ProcessTaskType(fromReprocessing), key, payload)
		return Transition{Next: StageProcess, Task: &next}, nil
	}

	next := follow(task, queue.TaskTypeSaveEvent, in.key, payload)
	if in.key == "" {
		next.Data = payload
	}
	return Transition{Next: StageSave, Task: &next}, nil
}

// handOff makes sure the working entry and its pristine copy are cached before
// the event moves on. An empty key means the run ends with the returned
// transition and error.
func (p *Pipeline) handOff(ctx context.Context, payload *event.Payload, key string, inline bool) (string, Transition, error) {
	if _, err := p.deps.Payloads.StoreUnprocessed(ctx, payload); err != nil {
		tr, err := p.cacheFailure(ctx, StagePreprocess, err)
		return "", tr, err
	}
	if key != "" && !inline {
		return key, Transition{}, nil
	}
	stored, err := p.deps.Payloads.Store(ctx, payload)
	if err != nil {
		tr, err := p.cacheFailure(ctx, StagePreprocess, err)
		return "", tr, err
	}
	return stored, Transition{}, nil
}

// shouldProcess reports whether the process stage has anything to do.
func (p *Pipeline) shouldProcess(payload *event.Payload) bool {
	if payload.Type == event.TypeTransaction {
		return false
	}
	for _, plugin := range p.deps.Plugins {
		if len(plugin.EventPreprocessors(payload)) > 0 || len(plugin.EventEnhancers(payload)) > 0 {
			return true
		}
	}
	return p.deps.Stacktraces != nil && p.deps.Stacktraces.Wants(payload)
}

func (p *Pipeline) backupUnprocessed(ctx context.Context, payload *event.Payload) {
	if !p.opts.BackupUnprocessed || p.deps.Backups == nil {
		return
	}
	data, err := event.Encode(payload)
	if err != nil {
		slog.WarnContext(ctx, "failed to encode unprocessed backup", "error", err)
		return
	}
	if err := p.deps.Backups.Upsert(ctx, &model.UnprocessedEvent{
		ProjectID: payload.ProjectID,
		EventID:   payload.EventID,
		Data:      data,
	}); err != nil {
		slog.WarnContext(ctx, "failed to back up unprocessed event", "error", err)
	}
}
