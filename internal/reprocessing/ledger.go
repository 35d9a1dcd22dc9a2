package reprocessing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"basegraph.app/ingest/internal/cache"
	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/queue"
)

// RecordResult tells the process stage what happened to the processing issues
// it found.
type RecordResult int

const (
	// RecordNotApplicable means nothing was held back; the event continues to save.
	RecordNotApplicable RecordResult = iota
	// RecordRecorded means the event is parked as a raw event with its issues.
	RecordRecorded
	// RecordRestart means the revision moved while processing; start over from preprocess.
	RecordRestart
)

func (r RecordResult) String() string {
	switch r {
	case RecordNotApplicable:
		return "not_applicable"
	case RecordRecorded:
		return "recorded"
	case RecordRestart:
		return "restart"
	default:
		return "unknown"
	}
}

type Options struct {
	ReprocessingActiveDefault bool
	RevisionCacheSize         int
	RevisionCacheTTL          time.Duration
	BatchSize                 int
	LockTTL                   time.Duration
	Now                       func() time.Time
}

// Ledger keeps the bookkeeping for events that failed on processing issues:
// revisions, raw event snapshots, issue rows and their re-submission.
type Ledger struct {
	stores    StoreProvider
	tx        TxRunner
	payloads  cache.PayloadCache
	producer  queue.Producer
	locker    Locker
	revisions *expirable.LRU[int64, int64]
	opts      Options
}

func NewLedger(stores StoreProvider, tx TxRunner, payloads cache.PayloadCache, producer queue.Producer, locker Locker, opts Options) *Ledger {
	if opts.RevisionCacheSize <= 0 {
		opts.RevisionCacheSize = 10000
	}
	if opts.RevisionCacheTTL <= 0 {
		opts.RevisionCacheTTL = 60 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		stores:    stores,
		tx:        tx,
		payloads:  payloads,
		producer:  producer,
		locker:    locker,
		revisions: expirable.NewLRU[int64, int64](opts.RevisionCacheSize, nil, opts.RevisionCacheTTL),
		opts:      opts,
	}
}

// Revision returns the project's reprocessing revision, possibly from a short
// lived local cache. Use FreshRevision when correctness depends on it.
func (l *Ledger) Revision(ctx context.Context, projectID int64) (int64, error) {
	if rev, ok := l.revisions.Get(projectID); ok {
		return rev, nil
	}
	return l.FreshRevision(ctx, projectID)
}

func (l *Ledger) FreshRevision(ctx context.Context, projectID int64) (int64, error) {
	value, ok, err := l.stores.ProjectOptions().Get(ctx, projectID, model.OptionProcessingRevision)
	if err != nil {
		return 0, fmt.Errorf("reading revision of project %d: %w", projectID, err)
	}
	var rev int64
	if ok && value != "" {
		rev, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing revision %q of project %d: %w", value, projectID, err)
		}
	}
	l.revisions.Add(projectID, rev)
	return rev, nil
}

// BumpRevision moves the project to a new revision and schedules the parked raw
// events for reprocessing.
func (l *Ledger) BumpRevision(ctx context.Context, projectID int64) (int64, error) {
	rev, err := l.stores.ProjectOptions().Increment(ctx, projectID, model.OptionProcessingRevision)
	if err != nil {
		return 0, fmt.Errorf("bumping revision of project %d: %w", projectID, err)
	}
	l.revisions.Add(projectID, rev)

	slog.InfoContext(ctx, "reprocessing revision bumped", "project_id", projectID, "revision", rev)

	if err := l.producer.Enqueue(ctx, queue.Task{
		Type:      queue.TaskTypeReprocessEvents,
		ProjectID: projectID,
		StartTime: l.opts.Now(),
	}); err != nil {
		return rev, fmt.Errorf("scheduling reprocessing of project %d: %w", projectID, err)
	}
	return rev, nil
}

// RecordProcessingIssue parks an event that hit processing issues. revisionAtStart
// is the revision the process stage read when it started.
func (l *Ledger) RecordProcessingIssue(
	ctx context.Context,
	p *event.Payload,
	projectID int64,
	cacheKey string,
	issues []event.ProcessingIssue,
	revisionAtStart int64,
) (RecordResult, error) {
	if len(issues) == 0 || !Supports(p) {
		return RecordNotApplicable, nil
	}
	if p.IsReprocessed() {
		return RecordNotApplicable, nil
	}

	current, err := l.FreshRevision(ctx, projectID)
	if err != nil {
		return RecordNotApplicable, err
	}
	if current != revisionAtStart {
		slog.InfoContext(ctx, "reprocessing revision changed while processing, restarting",
			"revision_at_start", revisionAtStart,
			"revision", current)
		return RecordRestart, nil
	}

	active, err := l.reprocessingActive(ctx, projectID)
	if err != nil {
		return RecordNotApplicable, err
	}
	if err := l.notifyFirstIssue(ctx, projectID, active, issues); err != nil {
		return RecordNotApplicable, err
	}
	if !active {
		return RecordNotApplicable, nil
	}

	pristine, err := l.payloads.GetUnprocessed(ctx, cacheKey)
	if err != nil {
		return RecordNotApplicable, fmt.Errorf("loading pristine payload: %w", err)
	}
	if pristine == nil {
		slog.ErrorContext(ctx, "pristine payload missing from cache, processing issues not recorded",
			"issues", len(issues))
		return RecordRecorded, nil
	}

	data, err := event.Encode(pristine)
	if err != nil {
		return RecordNotApplicable, err
	}

	err = l.tx.WithTx(ctx, func(s StoreProvider) error {
		if err := deleteRawEvent(ctx, s, projectID, p.EventID); err != nil {
			return err
		}
		raw := &model.RawEvent{
			ProjectID: projectID,
			EventID:   p.EventID,
			Datetime:  eventTime(pristine, l.opts.Now),
			Data:      data,
		}
		if err := s.RawEvents().Create(ctx, raw); err != nil {
			return fmt.Errorf("creating raw event: %w", err)
		}
		for _, issue := range issues {
			row := &model.ProcessingIssue{
				ProjectID:  projectID,
				RawEventID: raw.ID,
				Checksum:   model.ProcessingIssueChecksum(issue.Scope, issue.Object),
				Scope:      issue.Scope,
				Object:     issue.Object,
				Type:       issue.Type,
				Data:       issue.Data,
			}
			if err := s.ProcessingIssues().Create(ctx, row); err != nil {
				return fmt.Errorf("creating processing issue: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return RecordNotApplicable, err
	}

	if err := l.payloads.Delete(ctx, cacheKey); err != nil {
		slog.WarnContext(ctx, "failed to delete cache entry of parked event", "error", err)
	}

	slog.InfoContext(ctx, "event parked on processing issues", "issues", len(issues))
	return RecordRecorded, nil
}

// DeleteRawEvent drops the parked snapshot and reprocessing report of an event.
// With allowHintClear the failed-event hint is reset once the project has no
// processing issues left, so the next failure notifies again.
func (l *Ledger) DeleteRawEvent(ctx context.Context, projectID int64, eventID string, allowHintClear bool) error {
	if err := deleteRawEvent(ctx, l.stores, projectID, eventID); err != nil {
		return err
	}
	if !allowHintClear {
		return nil
	}

	remaining, err := l.stores.ProcessingIssues().CountByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("counting processing issues: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	if err := l.stores.ProjectOptions().Delete(ctx, projectID, model.OptionSentFailedEventHint); err != nil {
		return fmt.Errorf("clearing failed event hint: %w", err)
	}
	return nil
}

// ReprocessEvents re-submits one batch of parked raw events of the project and
// reports whether more are left. Returns ErrLockHeld when another worker is
// already reprocessing the project.
func (l *Ledger) ReprocessEvents(ctx context.Context, projectID int64) (bool, error) {
	release, err := l.locker.Acquire(ctx, lockKey(projectID), l.opts.LockTTL)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "failed to release reprocessing lock", "error", err)
		}
	}()

	raws, err := l.stores.RawEvents().ListByProject(ctx, projectID, l.opts.BatchSize+1)
	if err != nil {
		return false, fmt.Errorf("listing raw events: %w", err)
	}
	more := len(raws) > l.opts.BatchSize
	if more {
		raws = raws[:l.opts.BatchSize]
	}

	for _, raw := range raws {
		if err := l.reprocessEvent(ctx, raw); err != nil {
			return false, err
		}
	}

	slog.InfoContext(ctx, "reprocessing batch submitted",
		"project_id", projectID,
		"events", len(raws),
		"more", more)
	return more, nil
}

func (l *Ledger) reprocessEvent(ctx context.Context, raw model.RawEvent) error {
	p, err := event.Decode(raw.Data)
	if err != nil {
		slog.ErrorContext(ctx, "dropping undecodable raw event",
			"project_id", raw.ProjectID,
			"event_id", raw.EventID,
			"error", err)
		_, err := l.stores.RawEvents().Delete(ctx, raw.ProjectID, raw.EventID)
		return err
	}

	key, err := l.payloads.Store(ctx, p)
	if err != nil {
		return fmt.Errorf("caching raw event %s: %w", raw.EventID, err)
	}
	if err := l.producer.Enqueue(ctx, queue.Task{
		Type:      queue.PreprocessTaskType(true),
		CacheKey:  key,
		EventID:   raw.EventID,
		ProjectID: raw.ProjectID,
		StartTime: l.opts.Now(),
	}); err != nil {
		return fmt.Errorf("submitting raw event %s: %w", raw.EventID, err)
	}

	// The report stays until the event is saved; only the snapshot goes.
	return l.tx.WithTx(ctx, func(s StoreProvider) error {
		if err := s.ReprocessingReports().Create(ctx, &model.ReprocessingReport{
			ProjectID: raw.ProjectID,
			EventID:   raw.EventID,
		}); err != nil {
			return fmt.Errorf("creating reprocessing report: %w", err)
		}
		if _, err := s.RawEvents().Delete(ctx, raw.ProjectID, raw.EventID); err != nil {
			return fmt.Errorf("deleting raw event: %w", err)
		}
		return nil
	})
}

func (l *Ledger) reprocessingActive(ctx context.Context, projectID int64) (bool, error) {
	value, ok, err := l.stores.ProjectOptions().Get(ctx, projectID, model.OptionReprocessingActive)
	if err != nil {
		return false, fmt.Errorf("reading reprocessing option: %w", err)
	}
	if !ok {
		return l.opts.ReprocessingActiveDefault, nil
	}
	active, err := strconv.ParseBool(value)
	if err != nil {
		return l.opts.ReprocessingActiveDefault, nil
	}
	return active, nil
}

// notifyFirstIssue records the one-time activity shown the first time a project
// hits a processing issue.
func (l *Ledger) notifyFirstIssue(ctx context.Context, projectID int64, active bool, issues []event.ProcessingIssue) error {
	options := l.stores.ProjectOptions()
	_, sent, err := options.Get(ctx, projectID, model.OptionSentFailedEventHint)
	if err != nil {
		return fmt.Errorf("reading failed event hint: %w", err)
	}
	if sent {
		return nil
	}

	summaries := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		summaries = append(summaries, map[string]any{
			"scope":  issue.Scope,
			"object": issue.Object,
			"type":   issue.Type,
			"data":   issue.Data,
		})
	}
	if err := l.stores.Activities().Create(ctx, &model.Activity{
		ProjectID: projectID,
		Type:      model.ActivityNewProcessingIssues,
		Data: map[string]any{
			"reprocessing_active": active,
			"issues":              summaries,
		},
	}); err != nil {
		return fmt.Errorf("creating activity: %w", err)
	}
	if err := options.Set(ctx, projectID, model.OptionSentFailedEventHint, "true"); err != nil {
		return fmt.Errorf("setting failed event hint: %w", err)
	}
	return nil
}

func deleteRawEvent(ctx context.Context, s StoreProvider, projectID int64, eventID string) error {
	if _, err := s.RawEvents().Delete(ctx, projectID, eventID); err != nil {
		return fmt.Errorf("deleting raw event: %w", err)
	}
	if err := s.ReprocessingReports().Delete(ctx, projectID, eventID); err != nil {
		return fmt.Errorf("deleting reprocessing report: %w", err)
	}
	return nil
}

func eventTime(p *event.Payload, now func() time.Time) time.Time {
	if p.Timestamp <= 0 {
		return now().UTC()
	}
	sec, frac := math.Modf(p.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func lockKey(projectID int64) string {
	return fmt.Sprintf("events:reprocess_events:%d", projectID)
}

// IsLockHeld reports whether err means another worker holds the reprocessing lock.
func IsLockHeld(err error) bool {
	return errors.Is(err, ErrLockHeld)
}
