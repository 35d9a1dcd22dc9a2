package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"basegraph.app/ingest/core/db"
	"basegraph.app/ingest/internal/model"
)

type projectStore struct {
	q db.Querier
}

func (s *projectStore) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	var p model.Project
	err := s.q.QueryRow(ctx, `
		SELECT id, organization_id, name, slug, platform, created_at
		FROM projects
		WHERE id = $1`, id,
	).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Slug, &p.Platform, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

type organizationStore struct {
	q db.Querier
}

func (s *organizationStore) GetByID(ctx context.Context, id int64) (*model.Organization, error) {
	var o model.Organization
	err := s.q.QueryRow(ctx, `
		SELECT id, name, slug, created_at
		FROM organizations
		WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.Slug, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

type projectOptionStore struct {
	q db.Querier
}

func (s *projectOptionStore) Get(ctx context.Context, projectID int64, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRow(ctx, `
		SELECT value FROM project_options
		WHERE project_id = $1 AND key = $2`, projectID, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *projectOptionStore) Set(ctx context.Context, projectID int64, key, value string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO project_options (project_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value`,
		projectID, key, value)
	return err
}

func (s *projectOptionStore) Delete(ctx context.Context, projectID int64, key string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM project_options WHERE project_id = $1 AND key = $2`, projectID, key)
	return err
}

func (s *projectOptionStore) Increment(ctx context.Context, projectID int64, key string) (int64, error) {
	var value int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO project_options (project_id, key, value)
		VALUES ($1, $2, '1')
		ON CONFLICT (project_id, key) DO UPDATE
			SET value = (project_options.value::bigint + 1)::text
		RETURNING value::bigint`, projectID, key,
	).Scan(&value)
	return value, err
}
