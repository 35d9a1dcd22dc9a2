package store

import (
	"context"
	"encoding/json"

	"basegraph.app/ingest/common/id"
	"basegraph.app/ingest/core/db"
	"basegraph.app/ingest/internal/model"
)

type processingIssueStore struct {
	q     db.Querier
	newID id.Generator
}

func (s *processingIssueStore) Create(ctx context.Context, issue *model.ProcessingIssue) error {
	if issue.ID == 0 {
		issue.ID = s.newID()
	}
	if issue.Checksum == "" {
		issue.Checksum = model.ProcessingIssueChecksum(issue.Scope, issue.Object)
	}
	data, err := json.Marshal(issue.Data)
	if err != nil {
		return err
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO processing_issues (id, project_id, raw_event_id, checksum, scope, object, type, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (raw_event_id, checksum, type) DO UPDATE SET data = EXCLUDED.data
		RETURNING id, created_at`,
		issue.ID, issue.ProjectID, issue.RawEventID, issue.Checksum, issue.Scope, issue.Object, issue.Type, data,
	).Scan(&issue.ID, &issue.CreatedAt)
}

func (s *processingIssueStore) CountByProject(ctx context.Context, projectID int64) (int64, error) {
	var n int64
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM processing_issues WHERE project_id = $1`, projectID).Scan(&n)
	return n, err
}

type reprocessingReportStore struct {
	q     db.Querier
	newID id.Generator
}

func (s *reprocessingReportStore) Create(ctx context.Context, r *model.ReprocessingReport) error {
	if r.ID == 0 {
		r.ID = s.newID()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO reprocessing_reports (id, project_id, event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, event_id) DO NOTHING`,
		r.ID, r.ProjectID, r.EventID)
	return err
}

func (s *reprocessingReportStore) Delete(ctx context.Context, projectID int64, eventID string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM reprocessing_reports WHERE project_id = $1 AND event_id = $2`, projectID, eventID)
	return err
}

type activityStore struct {
	q     db.Querier
	newID id.Generator
}

func (s *activityStore) Create(ctx context.Context, a *model.Activity) error {
	if a.ID == 0 {
		a.ID = s.newID()
	}
	data, err := json.Marshal(a.Data)
	if err != nil {
		return err
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO activities (id, project_id, type, data)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		a.ID, a.ProjectID, string(a.Type), data,
	).Scan(&a.CreatedAt)
}
