package store

import (
	"context"
	"errors"

	"basegraph.app/ingest/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

type ProjectStore interface {
	GetByID(ctx context.Context, id int64) (*model.Project, error)
}

type OrganizationStore interface {
	GetByID(ctx context.Context, id int64) (*model.Organization, error)
}

// ProjectOptionStore holds per-project settings as text values.
type ProjectOptionStore interface {
	Get(ctx context.Context, projectID int64, key string) (value string, ok bool, err error)
	Set(ctx context.Context, projectID int64, key, value string) error
	Delete(ctx context.Context, projectID int64, key string) error
	// Increment atomically adds one to an integer option, treating a missing
	// option as zero, and returns the new value.
	Increment(ctx context.Context, projectID int64, key string) (int64, error)
}

type RawEventStore interface {
	// Create inserts the snapshot or, when one exists for the event, replaces its data.
	Create(ctx context.Context, raw *model.RawEvent) error
	// Delete removes the snapshot and, by cascade, its processing issues.
	Delete(ctx context.Context, projectID int64, eventID string) (bool, error)
	ListByProject(ctx context.Context, projectID int64, limit int) ([]model.RawEvent, error)
}

type ProcessingIssueStore interface {
	Create(ctx context.Context, issue *model.ProcessingIssue) error
	CountByProject(ctx context.Context, projectID int64) (int64, error)
}

type ReprocessingReportStore interface {
	Create(ctx context.Context, report *model.ReprocessingReport) error
	Delete(ctx context.Context, projectID int64, eventID string) error
}

type ActivityStore interface {
	Create(ctx context.Context, activity *model.Activity) error
}

type EventStore interface {
	// Insert stores the event and reports false when it already existed.
	Insert(ctx context.Context, event *model.Event) (bool, error)
}

// DiscardedHashStore reads group tombstones. They are written by whoever
// discards a group; the pipeline only honours them.
type DiscardedHashStore interface {
	Exists(ctx context.Context, projectID int64, hash string) (bool, error)
}

type UnprocessedEventStore interface {
	Upsert(ctx context.Context, event *model.UnprocessedEvent) error
}
