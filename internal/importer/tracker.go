package importer

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/scanledger/internal/ingestion"
	"github.com/lvonguyen/scanledger/internal/model"
	"github.com/lvonguyen/scanledger/internal/store"
)

// Tracker opens and closes import batches. Every upload gets a new batch; there
// is no batch-level dedup, so re-importing a file appends a second batch.
type Tracker struct {
	store  store.Store
	logger *zap.Logger
}

// NewTracker creates a tracker over s.
func NewTracker(s store.Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: s, logger: logger.With(zap.String("component", "tracker"))}
}

// Batch is one open, uncommitted import.
type Batch struct {
	tx     store.BatchTx
	meta   model.ImportBatch
	logger *zap.Logger
	done   bool
}

// Begin opens a transaction and creates the ledger row.
func (t *Tracker) Begin(ctx context.Context, meta *ingestion.BatchMeta) (*Batch, error) {
	b := model.ImportBatch{
		Ref:      uuid.NewString(),
		Filename: meta.Filename,
		Vendor:   meta.Vendor,
		ScanDate: meta.ScanDate,
		FileSize: meta.FileSize,
		Headers:  meta.Headers,
	}

	tx, err := t.store.BeginBatch(ctx, &b)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("Opened import batch",
		zap.Int64("batch_id", b.ID),
		zap.String("ref", b.Ref),
		zap.String("filename", b.Filename),
	)
	return &Batch{tx: tx, meta: b, logger: t.logger.With(zap.Int64("batch_id", b.ID))}, nil
}

// ID returns the store-assigned batch id.
func (b *Batch) ID() int64 {
	return b.meta.ID
}

// Ref returns the external correlation id.
func (b *Batch) Ref() string {
	return b.meta.Ref
}

// Record appends one finding to the batch.
func (b *Batch) Record(ctx context.Context, rec *model.FindingRecord) error {
	rec.BatchID = b.meta.ID
	return b.tx.InsertFinding(ctx, rec)
}

// Complete writes the final counts and commits. Nothing is visible to readers before this returns.
func (b *Batch) Complete(ctx context.Context, counts model.Counts) error {
	if err := b.tx.Complete(ctx, counts); err != nil {
		return err
	}
	b.done = true
	b.logger.Debug("Committed import batch", zap.Int("committed", counts.Committed))
	return nil
}

// Abort rolls back everything written to the batch. Safe to call after Complete.
func (b *Batch) Abort() {
	if b.done {
		return
	}
	b.done = true
	if err := b.tx.Rollback(); err != nil {
		b.logger.Error("Failed to roll back import batch", zap.Error(err))
	}
}
