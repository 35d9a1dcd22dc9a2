package ingest

import (
	"context"
	"time"

	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/eventmanager"
	"basegraph.app/ingest/internal/killswitch"
	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/reprocessing"
	"basegraph.app/ingest/internal/symbolication"
)

type ProjectLookup interface {
	GetProject(ctx context.Context, id int64) (*model.Project, error)
}

type OrganizationLookup interface {
	GetOrganization(ctx context.Context, id int64) (*model.Organization, error)
}

// Processor transforms a payload. It returns a replacement payload, or nil when
// it left the payload alone.
type Processor func(ctx context.Context, p *event.Payload) (*event.Payload, error)

// Plugin contributes processors for the payloads it cares about. Either method
// may return nil.
type Plugin interface {
	Slug() string
	EventPreprocessors(p *event.Payload) []Processor
	EventEnhancers(p *event.Payload) []Processor
}

type StacktraceProcessor interface {
	// Wants reports whether the payload has stack traces worth processing.
	Wants(p *event.Payload) bool
	// ProcessStacktraces enriches the payload in place and reports whether it changed.
	ProcessStacktraces(ctx context.Context, project *model.Project, p *event.Payload) (bool, error)
}

// Scrubber strips personal data from the event data. A nil result keeps the input.
type Scrubber interface {
	Scrub(ctx context.Context, project *model.Project, data map[string]any) map[string]any
}

// Normalizer caps what earlier steps may have blown up. It is not a full validation.
type Normalizer interface {
	Normalize(p *event.Payload) *event.Payload
}

type EventManager interface {
	Save(ctx context.Context, p *event.Payload, projectID int64) (eventmanager.SaveOutcome, error)
}

// ProcessingIssueRecorder is the part of the reprocessing ledger the stages use.
type ProcessingIssueRecorder interface {
	Revision(ctx context.Context, projectID int64) (int64, error)
	RecordProcessingIssue(ctx context.Context, p *event.Payload, projectID int64, cacheKey string, issues []event.ProcessingIssue, revisionAtStart int64) (reprocessing.RecordResult, error)
	DeleteRawEvent(ctx context.Context, projectID int64, eventID string, allowHintClear bool) error
	ReprocessEvents(ctx context.Context, projectID int64) (bool, error)
	BumpRevision(ctx context.Context, projectID int64) (int64, error)
}

type Killswitches interface {
	Matches(name string, ctx killswitch.Context) bool
}

type Router interface {
	ShouldDemote(ctx context.Context, projectID int64) bool
}

type SymbolicationRunner interface {
	Run(ctx context.Context, p *event.Payload) (symbolication.Result, error)
}

// LoadTracker receives the sampled symbolication load of each project.
type LoadTracker interface {
	IncrementEventCounter(ctx context.Context, projectID int64, ts time.Time) error
	IncrementDurationCounter(ctx context.Context, projectID int64, ts time.Time, d time.Duration) error
}
