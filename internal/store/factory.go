package store

import (
	"basegraph.app/ingest/common/id"
	"basegraph.app/ingest/core/db"
)

// Stores builds stores bound to one querier: the pool, or a transaction.
type Stores struct {
	q     db.Querier
	newID id.Generator
}

func NewStores(q db.Querier, newID id.Generator) *Stores {
	if newID == nil {
		newID = id.New
	}
	return &Stores{q: q, newID: newID}
}

func (s *Stores) Projects() ProjectStore {
	return &projectStore{q: s.q}
}

func (s *Stores) Organizations() OrganizationStore {
	return &organizationStore{q: s.q}
}

func (s *Stores) ProjectOptions() ProjectOptionStore {
	return &projectOptionStore{q: s.q}
}

func (s *Stores) RawEvents() RawEventStore {
	return &rawEventStore{q: s.q, newID: s.newID}
}

func (s *Stores) ProcessingIssues() ProcessingIssueStore {
	return &processingIssueStore{q: s.q, newID: s.newID}
}

func (s *Stores) ReprocessingReports() ReprocessingReportStore {
	return &reprocessingReportStore{q: s.q, newID: s.newID}
}

func (s *Stores) Activities() ActivityStore {
	return &activityStore{q: s.q, newID: s.newID}
}

func (s *Stores) Events() EventStore {
	return &eventStore{q: s.q}
}

func (s *Stores) DiscardedHashes() DiscardedHashStore {
	return &discardedHashStore{q: s.q}
}

func (s *Stores) UnprocessedEvents() UnprocessedEventStore {
	return &unprocessedEventStore{q: s.q}
}
