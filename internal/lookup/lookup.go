// Package lookup provides read-through caches for the rows every pipeline stage
// resolves: projects and organizations.
package lookup

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/store"
)

type Projects struct {
	store store.ProjectStore
	cache *expirable.LRU[int64, *model.Project]
}

func NewProjects(s store.ProjectStore, size int, ttl time.Duration) *Projects {
	return &Projects{
		store: s,
		cache: expirable.NewLRU[int64, *model.Project](size, nil, ttl),
	}
}

// GetProject returns store.ErrNotFound for unknown projects. Misses are not cached.
func (p *Projects) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	if cached, ok := p.cache.Get(id); ok {
		return cached, nil
	}
	project, err := p.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.cache.Add(id, project)
	return project, nil
}

type Organizations struct {
	store store.OrganizationStore
	cache *expirable.LRU[int64, *model.Organization]
}

func NewOrganizations(s store.OrganizationStore, size int, ttl time.Duration) *Organizations {
	return &Organizations{
		store: s,
		cache: expirable.NewLRU[int64, *model.Organization](size, nil, ttl),
	}
}

func (o *Organizations) GetOrganization(ctx context.Context, id int64) (*model.Organization, error) {
	if cached, ok := o.cache.Get(id); ok {
		return cached, nil
	}
	org, err := o.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	o.cache.Add(id, org)
	return org, nil
}
