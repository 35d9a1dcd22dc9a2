package eventmanager_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/eventmanager"
	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/store"
)

type mockEventStore struct {
	insertFn    func(ctx context.Context, e *model.Event) (bool, error)
	insertCalls int
	stored      map[string]*model.Event
}

func (m *mockEventStore) Insert(ctx context.Context, e *model.Event) (bool, error) {
	m.insertCalls++
	if m.insertFn != nil {
		return m.insertFn(ctx, e)
	}
	if _, ok := m.stored[e.EventID]; ok {
		return false, nil
	}
	m.stored[e.EventID] = e
	return true, nil
}

type mockDiscardedHashStore struct {
	hashes   map[string]bool
	existsFn func(ctx context.Context, projectID int64, hash string) (bool, error)
}

func (m *mockDiscardedHashStore) Exists(ctx context.Context, projectID int64, hash string) (bool, error) {
	if m.existsFn != nil {
		return m.existsFn(ctx, projectID, hash)
	}
	return m.hashes[hash], nil
}

type mockStores struct {
	events    *mockEventStore
	discarded *mockDiscardedHashStore
}

func (m *mockStores) Events() store.EventStore                  { return m.events }
func (m *mockStores) DiscardedHashes() store.DiscardedHashStore { return m.discarded }

var _ = Describe("Manager", func() {
	var (
		ctx     context.Context
		stores  *mockStores
		manager *eventmanager.Manager
		payload *event.Payload
	)

	BeforeEach(func() {
		ctx = context.Background()
		stores = &mockStores{
			events:    &mockEventStore{stored: map[string]*model.Event{}},
			discarded: &mockDiscardedHashStore{hashes: map[string]bool{}},
		}
		manager = eventmanager.New(stores)
		payload = &event.Payload{
			ProjectID: 7,
			EventID:   "e1",
			Platform:  "python",
			Timestamp: 1_700_000_000,
			Data:      map[string]any{"message": "boom"},
		}
	})

	It("stores the event with its group hash", func() {
		outcome, err := manager.Save(ctx, payload, 7)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(eventmanager.SaveStored))

		stored := stores.events.stored["e1"]
		Expect(stored).NotTo(BeNil())
		Expect(stored.GroupHash).To(Equal(eventmanager.GroupHash(payload)))
		Expect(stored.Timestamp).To(Equal(time.Unix(1_700_000_000, 0).UTC()))
		Expect(stored.Data).To(HaveKeyWithValue("message", "boom"))
	})

	It("stores out of range timestamps as the save time", func() {
		payload.Timestamp = 1e300

		_, err := manager.Save(ctx, payload, 7)
		Expect(err).NotTo(HaveOccurred())
		Expect(stores.events.stored["e1"].Timestamp).To(BeTemporally("~", time.Now(), time.Minute))
	})

	It("saves the same event only once", func() {
		_, err := manager.Save(ctx, payload, 7)
		Expect(err).NotTo(HaveOccurred())
		outcome, err := manager.Save(ctx, payload, 7)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(eventmanager.SaveStored))
		Expect(stores.events.stored).To(HaveLen(1))
		Expect(stores.events.insertCalls).To(Equal(2))
	})

	It("discards events of tombstoned groups", func() {
		stores.discarded.hashes[eventmanager.GroupHash(payload)] = true

		outcome, err := manager.Save(ctx, payload, 7)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(eventmanager.SaveDiscarded))
		Expect(outcome.String()).To(Equal("discarded"))
		Expect(stores.events.insertCalls).To(BeZero())
	})

	It("returns persistence failures", func() {
		stores.events.insertFn = func(context.Context, *model.Event) (bool, error) {
			return false, errors.New("connection reset")
		}
		_, err := manager.Save(ctx, payload, 7)
		Expect(err).To(MatchError(ContainSubstring("connection reset")))
	})

	It("returns tombstone lookup failures", func() {
		stores.discarded.existsFn = func(context.Context, int64, string) (bool, error) {
			return false, errors.New("timeout")
		}
		_, err := manager.Save(ctx, payload, 7)
		Expect(err).To(HaveOccurred())
		Expect(stores.events.insertCalls).To(BeZero())
	})
})

var _ = Describe("GroupHash", func() {
	frames := func(fs ...map[string]any) map[string]any {
		list := make([]any, len(fs))
		for i, f := range fs {
			list[i] = f
		}
		return map[string]any{"frames": list}
	}

	It("is stable for identical payloads", func() {
		a := &event.Payload{EventID: "a", Data: map[string]any{"message": "boom"}}
		b := &event.Payload{EventID: "b", Data: map[string]any{"message": "boom"}}
		Expect(eventmanager.GroupHash(a)).To(Equal(eventmanager.GroupHash(b)))
		Expect(eventmanager.GroupHash(a)).To(HaveLen(32))
	})

	It("prefers in-app frames over the message", func() {
		base := frames(
			map[string]any{"module": "app.views", "function": "index", "in_app": true},
			map[string]any{"module": "django.core", "function": "dispatch"},
		)
		a := &event.Payload{Data: map[string]any{"stacktrace": base, "message": "one"}}
		b := &event.Payload{Data: map[string]any{"stacktrace": frames(
			map[string]any{"module": "app.views", "function": "index", "in_app": true},
			map[string]any{"module": "django.core", "function": "other"},
		), "message": "two"}}
		Expect(eventmanager.GroupHash(a)).To(Equal(eventmanager.GroupHash(b)))
	})

	It("groups by exception when there are no frames", func() {
		exc := func(value string) *event.Payload {
			return &event.Payload{Data: map[string]any{"exception": map[string]any{"values": []any{
				map[string]any{"type": "ValueError", "value": value},
			}}}}
		}
		Expect(eventmanager.GroupHash(exc("x"))).NotTo(Equal(eventmanager.GroupHash(exc("y"))))
	})

	It("honours custom fingerprints", func() {
		a := &event.Payload{Data: map[string]any{"message": "one", "fingerprint": []any{"db-timeout"}}}
		b := &event.Payload{Data: map[string]any{"message": "two", "fingerprint": []any{"db-timeout"}}}
		Expect(eventmanager.GroupHash(a)).To(Equal(eventmanager.GroupHash(b)))

		c := &event.Payload{Data: map[string]any{"message": "one", "fingerprint": []any{"{{ default }}", "extra"}}}
		Expect(eventmanager.GroupHash(c)).NotTo(Equal(eventmanager.GroupHash(a)))
	})
})
