package store

import (
	"context"
	"encoding/json"

	"basegraph.app/ingest/core/db"
	"basegraph.app/ingest/internal/model"
)

type eventStore struct {
	q db.Querier
}

func (s *eventStore) Insert(ctx context.Context, e *model.Event) (bool, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return false, err
	}
	tag, err := s.q.Exec(ctx, `
		INSERT INTO events (project_id, event_id, group_hash, platform, timestamp, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, event_id) DO NOTHING`,
		e.ProjectID, e.EventID, e.GroupHash, e.Platform, e.Timestamp, data)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type discardedHashStore struct {
	q db.Querier
}

func (s *discardedHashStore) Exists(ctx context.Context, projectID int64, hash string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM discarded_hashes WHERE project_id = $1 AND hash = $2)`,
		projectID, hash,
	).Scan(&exists)
	return exists, err
}
