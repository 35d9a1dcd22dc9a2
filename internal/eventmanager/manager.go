// Package eventmanager persists the final event: it assigns the grouping hash,
// honours discarded groups and inserts the event idempotently.
package eventmanager

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"basegraph.app/ingest/internal/event"
	"basegraph.app/ingest/internal/model"
	"basegraph.app/ingest/internal/store"
)

type SaveOutcome int

const (
	SaveStored SaveOutcome = iota
	// SaveDiscarded means the event hashed into a discarded group and was dropped
	// on purpose.
	SaveDiscarded
)

func (o SaveOutcome) String() string {
	switch o {
	case SaveStored:
		return "stored"
	case SaveDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// StoreProvider exposes only the stores needed to save events.
type StoreProvider interface {
	Events() store.EventStore
	DiscardedHashes() store.DiscardedHashStore
}

type Manager struct {
	stores StoreProvider
	now    func() time.Time
}

func New(stores StoreProvider) *Manager {
	return &Manager{stores: stores, now: time.Now}
}

// Save stores the event of the payload under projectID. Saving an event that was
// already stored is a no-op reported as SaveStored.
func (m *Manager) Save(ctx context.Context, p *event.Payload, projectID int64) (SaveOutcome, error) {
	hash := GroupHash(p)

	discarded, err := m.stores.DiscardedHashes().Exists(ctx, projectID, hash)
	if err != nil {
		return SaveStored, fmt.Errorf("checking discarded hash: %w", err)
	}
	if discarded {
		slog.InfoContext(ctx, "event discarded by group tombstone", "group_hash", hash)
		return SaveDiscarded, nil
	}

	inserted, err := m.stores.Events().Insert(ctx, &model.Event{
		ProjectID: projectID,
		EventID:   p.EventID,
		GroupHash: hash,
		Platform:  p.Platform,
		Timestamp: m.timestamp(p),
		Data:      p.ToMap(),
	})
	if err != nil {
		return SaveStored, fmt.Errorf("inserting event: %w", err)
	}
	if !inserted {
		slog.DebugContext(ctx, "event already stored", "group_hash", hash)
	}
	return SaveStored, nil
}

// maxTimestamp is the start of year 10000, past what the events table stores.
const maxTimestamp = 253402300800

func (m *Manager) timestamp(p *event.Payload) time.Time {
	// Also catches NaN.
	if !(p.Timestamp > 0 && p.Timestamp < maxTimestamp) {
		return m.now().UTC()
	}
	sec, frac := math.Modf(p.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
