package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/killswitch"
	"basegraph.app/ingest/internal/queue"
	"basegraph.app/ingest/internal/symbolication"
)

// Symbolicate runs the symbolication loop for one event, after making sure the
// task sits on the queue the router wants it on.
func (p *Pipeline) Symbolicate(ctx context.Context, task queue.Task) (Transition, error) {
	in, tr, err := p.load(ctx, StageSymbolicate, task)
	if in.payload == nil {
		return tr, err
	}
	payload := in.payload
	projectID := payload.ProjectID
	fromReprocessing := task.Type.FromReprocessing()

	key := in.key
	if key == "" {
		stored, err := p.deps.Payloads.Store(ctx, payload)
		if err != nil {
			return p.cacheFailure(ctx, StageSymbolicate, err)
		}
		key = stored
	}

	toProcess := func(changed bool, reason string) Transition {
		next := follow(task, queue.ProcessTaskType(fromReprocessing), key, payload)
		next.DataHasChanged = changed
		next.FromSymbolicate = true
		return Transition{Next: StageProcess, Task: &next, Reason: reason}
	}

	if p.deps.Killswitches.Matches(killswitch.LoadShedSymbolicate, switchContext(payload)) {
		slog.InfoContext(ctx, "symbolication skipped by killswitch")
		return toProcess(false, ReasonKillswitch), nil
	}

	low := p.deps.Router.ShouldDemote(ctx, projectID)
	if low != task.Type.IsLowPriority() && task.QueueSwitches < p.opts.MaxQueueSwitches {
		next := follow(task, queue.SymbolicateTaskType(fromReprocessing, low), key, payload)
		next.QueueSwitches = task.QueueSwitches + 1
		slog.InfoContext(ctx, "moving symbolication to the other queue",
			"from", task.Type,
			"to", next.Type,
			"queue_switches", next.QueueSwitches)
		p.deps.Metrics.QueueSwitched(string(task.Type), string(next.Type))
		return Transition{Next: StageSymbolicate, Task: &next, Reason: ReasonQueueSwitch}, nil
	}

	sampled := p.sampled()
	started := p.opts.Now()
	if sampled {
		if err := p.deps.Tracker.IncrementEventCounter(ctx, projectID, started); err != nil {
			slog.WarnContext(ctx, "failed to record symbolication event", "error", err)
		}
	}

	res, err := p.deps.Symbolication.Run(ctx, payload)
	if err != nil {
		return Transition{}, fmt.Errorf("symbolicating: %w", err)
	}

	if sampled {
		if err := p.deps.Tracker.IncrementDurationCounter(ctx, projectID, started, res.Elapsed); err != nil {
			slog.WarnContext(ctx, "failed to record symbolication duration", "error", err)
		}
	}
	p.deps.Metrics.SymbolicationCompleted(string(task.Type), outcomeLabel(res), res.Attempts, res.Elapsed)

	payload = res.Payload
	if res.HasChanged {
		if _, err := p.deps.Payloads.Store(ctx, payload); err != nil {
			return p.cacheFailure(ctx, StageSymbolicate, err)
		}
	}
	return toProcess(res.HasChanged, ""), nil
}

func outcomeLabel(res symbolication.Result) string {
	switch {
	case res.Fatal:
		return "fatal"
	case res.HasChanged:
		return "changed"
	default:
		return "unchanged"
	}
}

// switchContext is what killswitch conditions can match an event on.
func switchContext(p *event.Payload) killswitch.Context {
	return killswitch.Context{
		"project_id": strconv.FormatInt(p.ProjectID, 10),
		"event_id":   p.EventID,
		"platform":   p.Platform,
	}
}
