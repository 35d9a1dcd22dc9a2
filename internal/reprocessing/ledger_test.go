package reprocessing_test

import (
	"context"
	"errors"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"basegraph.app/ingest/internal/cache"
	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/queue"
	"basegraph.app/ingest/internal/reprocessing"
)

func nativePayload(eventID string) *event.Payload {
	return &event.Payload{
		ProjectID: 7,
		EventID:   eventID,
		Platform:  "native",
		Timestamp: 1_700_000_000.5,
		Data: map[string]any{
			"stacktrace": map[string]any{
				"frames": []any{
					map[string]any{"instruction_addr": "0x1000"},
				},
			},
		},
	}
}

var missingSymbols = []event.ProcessingIssue{
	{Scope: "native", Object: "dsym:abc", Type: "native_missing_dsym"},
	{Scope: "native", Object: "dsym:def", Type: "native_missing_dsym", Data: map[string]any{"image_path": "/usr/lib/libfoo.dylib"}},
}

var _ = Describe("Ledger", func() {
	var (
		ctx      context.Context
		mr       *miniredis.Miniredis
		client   *redis.Client
		stores   *memStores
		tx       *directTx
		payloads *cache.RedisPayloadCache
		producer *mockProducer
		locker   *reprocessing.RedisLocker
		ledger   *reprocessing.Ledger
		now      time.Time
	)

	newLedger := func(opts reprocessing.Options) *reprocessing.Ledger {
		opts.Now = func() time.Time { return now }
		return reprocessing.NewLedger(stores, tx, payloads, producer, locker, opts)
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})

		stores = newMemStores()
		tx = &directTx{stores: stores}
		payloads = cache.NewRedisPayloadCache(client, time.Hour)
		producer = &mockProducer{}
		locker = reprocessing.NewRedisLocker(client)
		now = time.Unix(1_700_000_100, 0).UTC()
		ledger = newLedger(reprocessing.Options{ReprocessingActiveDefault: true, BatchSize: 2})
	})

	AfterEach(func() {
		_ = client.Close()
		mr.Close()
	})

	// cacheEvent stores the pristine copy and a mutated working copy, the way the
	// pipeline leaves the cache when processing finds issues.
	cacheEvent := func(p *event.Payload) string {
		key, err := payloads.StoreUnprocessed(ctx, p)
		Expect(err).NotTo(HaveOccurred())
		working := p.Clone()
		working.Data["mutated"] = true
		_, err = payloads.Store(ctx, working)
		Expect(err).NotTo(HaveOccurred())
		return key
	}

	Describe("RecordProcessingIssue", func() {
		It("does not apply to events that cannot be reprocessed", func() {
			p := &event.Payload{ProjectID: 7, EventID: "py", Platform: "python"}
			result, err := ledger.RecordProcessingIssue(ctx, p, 7, "e:py:7", missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(reprocessing.RecordNotApplicable))
			Expect(stores.activities).To(BeEmpty())
		})

		It("does not record twice for an event coming out of reprocessing", func() {
			p := nativePayload("again")
			p.Data["contexts"] = map[string]any{"reprocessing": map[string]any{"original_issue_id": int64(1)}}
			result, err := ledger.RecordProcessingIssue(ctx, p, 7, cacheEvent(p), missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(reprocessing.RecordNotApplicable))
			Expect(stores.rawEvents).To(BeEmpty())
		})

		It("asks for a restart when the revision moved and records nothing", func() {
			p := nativePayload("stale")
			key := cacheEvent(p)
			stores.options[optKey(7, model.OptionProcessingRevision)] = "2"

			result, err := ledger.RecordProcessingIssue(ctx, p, 7, key, missingSymbols, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(reprocessing.RecordRestart))
			Expect(stores.issues).To(BeEmpty())
			Expect(stores.rawEvents).To(BeEmpty())
			Expect(mr.Exists(key)).To(BeTrue())
			Expect(mr.Exists(cache.UnprocessedKey(key))).To(BeTrue())
		})

		It("reads the revision fresh even when a stale value is cached", func() {
			p := nativePayload("cached-rev")
			key := cacheEvent(p)

			rev, err := ledger.Revision(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(rev).To(BeZero())

			stores.options[optKey(7, model.OptionProcessingRevision)] = "5"
			rev, err = ledger.Revision(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(rev).To(BeZero())

			result, err := ledger.RecordProcessingIssue(ctx, p, 7, key, missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(reprocessing.RecordRestart))
		})

		It("parks the pristine payload with one issue row per issue", func() {
			p := nativePayload("ev1")
			key := cacheEvent(p)
			mutated := p.Clone()
			mutated.Data["mutated"] = true

			result, err := ledger.RecordProcessingIssue(ctx, mutated, 7, key, missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(reprocessing.RecordRecorded))

			raw, ok := stores.rawEvents[evKey(7, "ev1")]
			Expect(ok).To(BeTrue())
			Expect(raw.Datetime).To(Equal(time.Unix(1_700_000_000, 500_000_000).UTC()))
			snapshot, err := event.Decode(raw.Data)
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshot.Data).NotTo(HaveKey("mutated"))

			Expect(stores.issues).To(HaveLen(2))
			for _, issue := range stores.issues {
				Expect(issue.RawEventID).To(Equal(raw.ID))
				Expect(issue.Checksum).To(Equal(model.ProcessingIssueChecksum(issue.Scope, issue.Object)))
			}

			Expect(mr.Exists(key)).To(BeFalse())
			Expect(mr.Exists(cache.UnprocessedKey(key))).To(BeFalse())
		})

		It("notifies only for the first processing issue of a project", func() {
			first := nativePayload("first")
			_, err := ledger.RecordProcessingIssue(ctx, first, 7, cacheEvent(first), missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())

			second := nativePayload("second")
			_, err = ledger.RecordProcessingIssue(ctx, second, 7, cacheEvent(second), missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(stores.activities).To(HaveLen(1))
			Expect(stores.activities[0].Type).To(Equal(model.ActivityNewProcessingIssues))
			Expect(stores.activities[0].Data["reprocessing_active"]).To(BeTrue())
			Expect(stores.options[optKey(7, model.OptionSentFailedEventHint)]).To(Equal("true"))
			Expect(stores.rawEvents).To(HaveLen(2))
		})

		It("only notifies when reprocessing is inactive", func() {
			stores.options[optKey(7, model.OptionReprocessingActive)] = "false"
			p := nativePayload("inactive")
			key := cacheEvent(p)

			result, err := ledger.RecordProcessingIssue(ctx, p, 7, key, missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(reprocessing.RecordNotApplicable))
			Expect(stores.activities).To(HaveLen(1))
			Expect(stores.rawEvents).To(BeEmpty())
			Expect(mr.Exists(key)).To(BeTrue())
		})

		It("falls back to the configured default when the option is absent", func() {
			ledger = newLedger(reprocessing.Options{ReprocessingActiveDefault: false})
			p := nativePayload("default-off")

			result, err := ledger.RecordProcessingIssue(ctx, p, 7, cacheEvent(p), missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(reprocessing.RecordNotApplicable))
		})

		It("reports recorded without rows when the pristine payload is gone", func() {
			p := nativePayload("gone")

			result, err := ledger.RecordProcessingIssue(ctx, p, 7, "e:gone:7", missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(reprocessing.RecordRecorded))
			Expect(stores.rawEvents).To(BeEmpty())
			Expect(stores.issues).To(BeEmpty())
		})

		It("surfaces store failures", func() {
			stores.optionsErr = errors.New("db down")
			p := nativePayload("db")

			_, err := ledger.RecordProcessingIssue(ctx, p, 7, cacheEvent(p), missingSymbols, 0)
			Expect(err).To(MatchError(ContainSubstring("db down")))
		})
	})

	Describe("DeleteRawEvent", func() {
		BeforeEach(func() {
			p := nativePayload("parked")
			_, err := ledger.RecordProcessingIssue(ctx, p, 7, cacheEvent(p), missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())
			stores.reports[evKey(7, "parked")] = true
		})

		It("removes the snapshot, its issues and the report", func() {
			Expect(ledger.DeleteRawEvent(ctx, 7, "parked", false)).To(Succeed())
			Expect(stores.rawEvents).To(BeEmpty())
			Expect(stores.issues).To(BeEmpty())
			Expect(stores.reports).To(BeEmpty())
			Expect(stores.options).To(HaveKey(optKey(7, model.OptionSentFailedEventHint)))
		})

		It("clears the hint once no issues remain", func() {
			Expect(ledger.DeleteRawEvent(ctx, 7, "parked", true)).To(Succeed())
			Expect(stores.options).NotTo(HaveKey(optKey(7, model.OptionSentFailedEventHint)))
		})

		It("keeps the hint while other events still have issues", func() {
			other := nativePayload("other")
			_, err := ledger.RecordProcessingIssue(ctx, other, 7, cacheEvent(other), missingSymbols, 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(ledger.DeleteRawEvent(ctx, 7, "parked", true)).To(Succeed())
			Expect(stores.options).To(HaveKey(optKey(7, model.OptionSentFailedEventHint)))
		})

		It("is a no-op for unknown events", func() {
			Expect(ledger.DeleteRawEvent(ctx, 7, "unknown", true)).To(Succeed())
			Expect(stores.rawEvents).To(HaveLen(1))
		})
	})

	Describe("BumpRevision", func() {
		It("increments the revision and schedules reprocessing", func() {
			rev, err := ledger.BumpRevision(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(rev).To(Equal(int64(1)))

			rev, err = ledger.BumpRevision(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(rev).To(Equal(int64(2)))

			cached, err := ledger.Revision(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(cached).To(Equal(int64(2)))

			Expect(producer.tasks).To(HaveLen(2))
			Expect(producer.tasks[0].Type).To(Equal(queue.TaskTypeReprocessEvents))
			Expect(producer.tasks[0].ProjectID).To(Equal(int64(7)))
		})

		It("returns the new revision when scheduling fails", func() {
			producer.err = errors.New("redis down")
			rev, err := ledger.BumpRevision(ctx, 7)
			Expect(err).To(HaveOccurred())
			Expect(rev).To(Equal(int64(1)))
		})
	})

	Describe("ReprocessEvents", func() {
		BeforeEach(func() {
			for _, id := range []string{"r1", "r2", "r3"} {
				p := nativePayload(id)
				_, err := ledger.RecordProcessingIssue(ctx, p, 7, cacheEvent(p), missingSymbols, 0)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(stores.rawEvents).To(HaveLen(3))
		})

		It("re-submits parked events in batches", func() {
			more, err := ledger.ReprocessEvents(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(more).To(BeTrue())
			Expect(producer.tasks).To(HaveLen(2))
			Expect(stores.rawEvents).To(HaveLen(1))
			Expect(stores.reports).To(HaveLen(2))

			for _, task := range producer.tasks {
				Expect(task.Type).To(Equal(queue.TaskTypePreprocessEventFromReprocessing))
				Expect(task.CacheKey).To(Equal(cache.Key(task.EventID, 7)))
				got, err := payloads.Get(ctx, task.CacheKey)
				Expect(err).NotTo(HaveOccurred())
				Expect(got).NotTo(BeNil())
				Expect(got.EventID).To(Equal(task.EventID))
			}

			more, err = ledger.ReprocessEvents(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(more).To(BeFalse())
			Expect(producer.tasks).To(HaveLen(3))
			Expect(stores.rawEvents).To(BeEmpty())
			Expect(stores.issues).To(BeEmpty())
		})

		It("releases the lock when done", func() {
			_, err := ledger.ReprocessEvents(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(mr.Exists("events:reprocess_events:7")).To(BeFalse())
		})

		It("refuses to run while another worker holds the lock", func() {
			release, err := locker.Acquire(ctx, "events:reprocess_events:7", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			_, err = ledger.ReprocessEvents(ctx, 7)
			Expect(reprocessing.IsLockHeld(err)).To(BeTrue())
			Expect(producer.tasks).To(BeEmpty())

			Expect(release(ctx)).To(Succeed())
			_, err = ledger.ReprocessEvents(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
		})
	})
})

var _ = Describe("RedisLocker", func() {
	var (
		ctx    context.Context
		mr     *miniredis.Miniredis
		client *redis.Client
		locker *reprocessing.RedisLocker
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		locker = reprocessing.NewRedisLocker(client)
	})

	AfterEach(func() {
		_ = client.Close()
		mr.Close()
	})

	It("expires on its own", func() {
		_, err := locker.Acquire(ctx, "lock", time.Minute)
		Expect(err).NotTo(HaveOccurred())

		mr.FastForward(2 * time.Minute)
		_, err = locker.Acquire(ctx, "lock", time.Minute)
		Expect(err).NotTo(HaveOccurred())
	})

	It("does not release a lock taken over after expiry", func() {
		staleRelease, err := locker.Acquire(ctx, "lock", time.Minute)
		Expect(err).NotTo(HaveOccurred())
		mr.FastForward(2 * time.Minute)

		_, err = locker.Acquire(ctx, "lock", time.Minute)
		Expect(err).NotTo(HaveOccurred())

		Expect(staleRelease(ctx)).To(Succeed())
		Expect(mr.Exists("lock")).To(BeTrue())
	})
})

var _ = Describe("Supports", func() {
	It("accepts native platforms", func() {
		Expect(reprocessing.Supports(&event.Payload{Platform: "cocoa"})).To(BeTrue())
	})

	It("accepts native frames inside other platforms", func() {
		p := &event.Payload{
			Platform: "python",
			Data: map[string]any{
				"exception": map[string]any{"values": []any{
					map[string]any{"stacktrace": map[string]any{"frames": []any{
						map[string]any{"platform": "native", "instruction_addr": "0x1"},
					}}},
				}},
			},
		}
		Expect(reprocessing.Supports(p)).To(BeTrue())
	})

	It("rejects everything else", func() {
		Expect(reprocessing.Supports(&event.Payload{Platform: "python"})).To(BeFalse())
		Expect(reprocessing.Supports(nil)).To(BeFalse())
	})
})
