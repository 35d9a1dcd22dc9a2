package store

import (
	"context"

	"basegraph.app/ingest/common/id"
	"basegraph.app/ingest/core/db"
	"basegraph.app/ingest/internal/model"
)

type rawEventStore struct {
	q     db.Querier
	newID id.Generator
}

func (s *rawEventStore) Create(ctx context.Context, raw *model.RawEvent) error {
	if raw.ID == 0 {
		raw.ID = s.newID()
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO raw_events (id, project_id, event_id, datetime, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, event_id) DO UPDATE
			SET data = EXCLUDED.data, datetime = EXCLUDED.datetime
		RETURNING id, created_at`,
		raw.ID, raw.ProjectID, raw.EventID, raw.Datetime, raw.Data,
	).Scan(&raw.ID, &raw.CreatedAt)
}

func (s *rawEventStore) Delete(ctx context.Context, projectID int64, eventID string) (bool, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM raw_events WHERE project_id = $1 AND event_id = $2`, projectID, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *rawEventStore) ListByProject(ctx context.Context, projectID int64, limit int) ([]model.RawEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, project_id, event_id, datetime, data, created_at
		FROM raw_events
		WHERE project_id = $1
		ORDER BY datetime, id
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RawEvent
	for rows.Next() {
		var r model.RawEvent
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.EventID, &r.Datetime, &r.Data, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type unprocessedEventStore struct {
	q db.Querier
}

func (s *unprocessedEventStore) Upsert(ctx context.Context, e *model.UnprocessedEvent) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO unprocessed_events (project_id, event_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, event_id) DO UPDATE SET data = EXCLUDED.data`,
		e.ProjectID, e.EventID, e.Data)
	return err
}
