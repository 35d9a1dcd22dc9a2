package reprocessing

import (
	"context"

	"basegraph.app/ingest/common/id"
	"basegraph.app/ingest/core/db"
	"basegraph.app/ingest/internal/store"
)

// StoreProvider exposes only the stores the ledger needs.
type StoreProvider interface {
	ProjectOptions() store.ProjectOptionStore
	RawEvents() store.RawEventStore
	ProcessingIssues() store.ProcessingIssueStore
	ReprocessingReports() store.ReprocessingReportStore
	Activities() store.ActivityStore
}

// TxRunner runs functions within a transaction and provides stores bound to that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores StoreProvider) error) error
}

type dbTxRunner struct {
	db    *db.DB
	newID id.Generator
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(database *db.DB, newID id.Generator) TxRunner {
	return &dbTxRunner{db: database, newID: newID}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores StoreProvider) error) error {
	return r.db.WithTx(ctx, func(q db.Querier) error {
		return fn(store.NewStores(q, r.newID))
	})
}
