package lookup_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/ingest/internal/lookup"
	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/store"
)

type mockProjectStore struct {
	getByIDFn func(ctx context.Context, id int64) (*model.Project, error)
	calls     int
}

func (m *mockProjectStore) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	m.calls++
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

type mockOrganizationStore struct {
	calls int
}

func (m *mockOrganizationStore) GetByID(ctx context.Context, id int64) (*model.Organization, error) {
	m.calls++
	return &model.Organization{ID: id, Slug: "acme"}, nil
}

var _ = Describe("Projects", func() {
	var (
		ctx      context.Context
		projects *mockProjectStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		projects = &mockProjectStore{
			getByIDFn: func(ctx context.Context, id int64) (*model.Project, error) {
				if id == 42 {
					return &model.Project{ID: 42, OrganizationID: 1}, nil
				}
				return nil, store.ErrNotFound
			},
		}
	})

	It("reads through once and then serves from memory", func() {
		l := lookup.NewProjects(projects, 10, time.Minute)

		for i := 0; i < 3; i++ {
			p, err := l.GetProject(ctx, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.OrganizationID).To(Equal(int64(1)))
		}
		Expect(projects.calls).To(Equal(1))
	})

	It("does not cache misses", func() {
		l := lookup.NewProjects(projects, 10, time.Minute)

		_, err := l.GetProject(ctx, 7)
		Expect(err).To(MatchError(store.ErrNotFound))
		_, err = l.GetProject(ctx, 7)
		Expect(err).To(MatchError(store.ErrNotFound))
		Expect(projects.calls).To(Equal(2))
	})
})

var _ = Describe("Organizations", func() {
	It("caches organizations", func() {
		orgs := &mockOrganizationStore{}
		l := lookup.NewOrganizations(orgs, 10, time.Minute)

		_, err := l.GetOrganization(context.Background(), 1)
		Expect(err).NotTo(HaveOccurred())
		_, err = l.GetOrganization(context.Background(), 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(orgs.calls).To(Equal(1))
	})
})
