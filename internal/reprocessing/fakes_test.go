package reprocessing_test

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/queue"
	"basegraph.app/ingest/internal/reprocessing"
	"basegraph.app/ingest/internal/store"
)

// memStores is an in-memory StoreProvider.
type memStores struct {
	mu         sync.Mutex
	nextID     int64
	options    map[string]string
	rawEvents  map[string]*model.RawEvent
	issues     []*model.ProcessingIssue
	reports    map[string]bool
	activities []*model.Activity
	optionsErr error
}

func newMemStores() *memStores {
	return &memStores{
		nextID:    100,
		options:   map[string]string{},
		rawEvents: map[string]*model.RawEvent{},
		reports:   map[string]bool{},
	}
}

func optKey(projectID int64, key string) string    { return fmt.Sprintf("%d/%s", projectID, key) }
func evKey(projectID int64, eventID string) string { return fmt.Sprintf("%d/%s", projectID, eventID) }

func (m *memStores) ProjectOptions() store.ProjectOptionStore           { return memOptions{m} }
func (m *memStores) RawEvents() store.RawEventStore                     { return memRawEvents{m} }
func (m *memStores) ProcessingIssues() store.ProcessingIssueStore       { return memIssues{m} }
func (m *memStores) ReprocessingReports() store.ReprocessingReportStore { return memReports{m} }
func (m *memStores) Activities() store.ActivityStore                    { return memActivities{m} }

func (m *memStores) id() int64 {
	m.nextID++
	return m.nextID
}

type memOptions struct{ m *memStores }

func (o memOptions) Get(_ context.Context, projectID int64, key string) (string, bool, error) {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if o.m.optionsErr != nil {
		return "", false, o.m.optionsErr
	}
	v, ok := o.m.options[optKey(projectID, key)]
	return v, ok, nil
}

func (o memOptions) Set(_ context.Context, projectID int64, key, value string) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	o.m.options[optKey(projectID, key)] = value
	return nil
}

func (o memOptions) Delete(_ context.Context, projectID int64, key string) error {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	delete(o.m.options, optKey(projectID, key))
	return nil
}

func (o memOptions) Increment(_ context.Context, projectID int64, key string) (int64, error) {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	cur, _ := strconv.ParseInt(o.m.options[optKey(projectID, key)], 10, 64)
	cur++
	o.m.options[optKey(projectID, key)] = strconv.FormatInt(cur, 10)
	return cur, nil
}

type memRawEvents struct{ m *memStores }

func (r memRawEvents) Create(_ context.Context, raw *model.RawEvent) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if existing, ok := r.m.rawEvents[evKey(raw.ProjectID, raw.EventID)]; ok {
		raw.ID = existing.ID
	} else if raw.ID == 0 {
		raw.ID = r.m.id()
	}
	stored := *raw
	r.m.rawEvents[evKey(raw.ProjectID, raw.EventID)] = &stored
	return nil
}

func (r memRawEvents) Delete(_ context.Context, projectID int64, eventID string) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	raw, ok := r.m.rawEvents[evKey(projectID, eventID)]
	if !ok {
		return false, nil
	}
	delete(r.m.rawEvents, evKey(projectID, eventID))
	kept := r.m.issues[:0]
	for _, issue := range r.m.issues {
		if issue.RawEventID != raw.ID {
			kept = append(kept, issue)
		}
	}
	r.m.issues = kept
	return true, nil
}

func (r memRawEvents) ListByProject(_ context.Context, projectID int64, limit int) ([]model.RawEvent, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []model.RawEvent
	for _, raw := range r.m.rawEvents {
		if raw.ProjectID == projectID {
			out = append(out, *raw)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memIssues struct{ m *memStores }

func (i memIssues) Create(_ context.Context, issue *model.ProcessingIssue) error {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	issue.ID = i.m.id()
	i.m.issues = append(i.m.issues, issue)
	return nil
}

func (i memIssues) CountByProject(_ context.Context, projectID int64) (int64, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	var n int64
	for _, issue := range i.m.issues {
		if issue.ProjectID == projectID {
			n++
		}
	}
	return n, nil
}

type memReports struct{ m *memStores }

func (r memReports) Create(_ context.Context, report *model.ReprocessingReport) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.reports[evKey(report.ProjectID, report.EventID)] = true
	return nil
}

func (r memReports) Delete(_ context.Context, projectID int64, eventID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.reports, evKey(projectID, eventID))
	return nil
}

type memActivities struct{ m *memStores }

func (a memActivities) Create(_ context.Context, activity *model.Activity) error {
	a.m.mu.Lock()
	defer a.m.mu.Unlock()
	activity.ID = a.m.id()
	a.m.activities = append(a.m.activities, activity)
	return nil
}

// directTx runs the function against the same stores, without a transaction.
type directTx struct {
	stores *memStores
	calls  int
}

func (d *directTx) WithTx(_ context.Context, fn func(reprocessing.StoreProvider) error) error {
	d.calls++
	return fn(d.stores)
}

type mockProducer struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (p *mockProducer) Enqueue(_ context.Context, task queue.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *mockProducer) Close() error { return nil }
