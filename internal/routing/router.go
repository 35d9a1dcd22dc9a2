// Package routing decides whether a project's symbolication goes to the low
// priority queue.
package routing

import (
	"context"
	"log/slog"
	"strconv"

	"basegraph.app/ingest/common/logger"
	"basegraph.app/ingest/internal/killswitch"
)

// Killswitches is the subset of the killswitch evaluator the router needs.
type Killswitches interface {
	Matches(name string, ctx killswitch.Context) bool
}

// CohortTracker reports realtime low priority cohort membership.
type CohortTracker interface {
	IsInLowPriorityCohort(ctx context.Context, projectID int64) (bool, error)
}

type Options struct {
	AdaptiveRoutingEnabled bool
}

type Router struct {
	switches Killswitches
	tracker  CohortTracker
	opts     Options
}

func NewRouter(switches Killswitches, tracker CohortTracker, opts Options) *Router {
	return &Router{switches: switches, tracker: tracker, opts: opts}
}

// ShouldDemote reports whether symbolication for the project belongs on the low
// priority queue. The never switch wins over the always switch; both win over
// the adaptive decision. Tracker failures keep the project on the default queue.
func (r *Router) ShouldDemote(ctx context.Context, projectID int64) bool {
	ksCtx := killswitch.Context{"project_id": strconv.FormatInt(projectID, 10)}

	if r.switches.Matches(killswitch.SymbolicateLPQNever, ksCtx) {
		return false
	}
	if r.switches.Matches(killswitch.SymbolicateLPQAlways, ksCtx) {
		return true
	}
	if !r.opts.AdaptiveRoutingEnabled || r.tracker == nil {
		return false
	}

	member, err := r.tracker.IsInLowPriorityCohort(ctx, projectID)
	if err != nil {
		ctx = logger.WithLogFields(ctx, logger.LogFields{
			ProjectID: &projectID,
			Component: "ingest.routing",
		})
		slog.WarnContext(ctx, "failed to read low priority cohort, using default queue", "error", err)
		return false
	}
	return member
}
