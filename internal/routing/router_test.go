package routing_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/ingest/internal/killswitch"
	"basegraph.app/ingest/internal/routing"
)

type mockTracker struct {
	isInLowPriorityCohortFn func(ctx context.Context, projectID int64) (bool, error)
	calls                   int
}

func (m *mockTracker) IsInLowPriorityCohort(ctx context.Context, projectID int64) (bool, error) {
	m.calls++
	if m.isInLowPriorityCohortFn != nil {
		return m.isInLowPriorityCohortFn(ctx, projectID)
	}
	return false, nil
}

var _ = Describe("Router", func() {
	var (
		ctx      context.Context
		switches *killswitch.Evaluator
		tracker  *mockTracker
	)

	BeforeEach(func() {
		ctx = context.Background()
		switches = killswitch.NewEvaluator()
		tracker = &mockTracker{
			isInLowPriorityCohortFn: func(ctx context.Context, projectID int64) (bool, error) {
				return true, nil
			},
		}
	})

	Context("with killswitches", func() {
		It("prefers the never switch over the always switch", func() {
			Expect(switches.Apply(killswitch.Config{
				killswitch.SymbolicateLPQNever:  {{"project_id": "42"}},
				killswitch.SymbolicateLPQAlways: {{"project_id": "42"}},
			})).To(Succeed())

			r := routing.NewRouter(switches, tracker, routing.Options{AdaptiveRoutingEnabled: true})
			Expect(r.ShouldDemote(ctx, 42)).To(BeFalse())
			Expect(tracker.calls).To(BeZero())
		})

		It("demotes on the always switch even with adaptive routing off", func() {
			Expect(switches.Apply(killswitch.Config{
				killswitch.SymbolicateLPQAlways: {{"project_id": "42"}},
			})).To(Succeed())

			r := routing.NewRouter(switches, tracker, routing.Options{AdaptiveRoutingEnabled: false})
			Expect(r.ShouldDemote(ctx, 42)).To(BeTrue())
			Expect(r.ShouldDemote(ctx, 43)).To(BeFalse())
		})
	})

	Context("with adaptive routing", func() {
		It("does not consult the tracker when disabled", func() {
			r := routing.NewRouter(switches, tracker, routing.Options{AdaptiveRoutingEnabled: false})
			Expect(r.ShouldDemote(ctx, 42)).To(BeFalse())
			Expect(tracker.calls).To(BeZero())
		})

		It("follows cohort membership when enabled", func() {
			r := routing.NewRouter(switches, tracker, routing.Options{AdaptiveRoutingEnabled: true})
			Expect(r.ShouldDemote(ctx, 42)).To(BeTrue())
			Expect(tracker.calls).To(Equal(1))
		})

		It("fails open to the default queue on tracker errors", func() {
			tracker.isInLowPriorityCohortFn = func(ctx context.Context, projectID int64) (bool, error) {
				return true, errors.New("redis down")
			}
			r := routing.NewRouter(switches, tracker, routing.Options{AdaptiveRoutingEnabled: true})
			Expect(r.ShouldDemote(ctx, 42)).To(BeFalse())
		})
	})
})
