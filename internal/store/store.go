// Package store persists the import ledger and the findings each batch committed.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lvonguyen/scanledger/internal/model"
)

// Common errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrBusy       = errors.New("store busy")
	ErrTxFinished = errors.New("batch transaction already finished")
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the backing database.
type Config struct {
	Driver       string `yaml:"driver" validate:"required,oneof=memory sqlite postgres"`
	DSN          string `yaml:"dsn" validate:"required_unless=Driver memory"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

// DefaultConfig returns an embedded SQLite database in the working directory.
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		DSN:    "file:scanledger.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
	}
}

// Query narrows HostFindings. Empty fields do not filter.
type Query struct {
	FindingKey string
	Host       string // normalized
	CVE        string // matched against the multi-value CVE list
}

// Store is the persistence boundary. Readers only ever see completed batches.
type Store interface {
	// BeginBatch opens a transaction and inserts the ledger row, assigning
	// batch.ID and batch.ImportedAt.
	BeginBatch(ctx context.Context, batch *model.ImportBatch) (BatchTx, error)
	ListBatches(ctx context.Context, limit int) ([]model.ImportBatch, error)
	GetBatch(ctx context.Context, id int64) (*model.ImportBatch, error)
	BatchFindings(ctx context.Context, batchID int64) ([]model.FindingRecord, error)
	HostFindings(ctx context.Context, q Query) ([]model.HostFinding, error)
	// Generation changes whenever a batch commits.
	Generation(ctx context.Context) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// BatchTx is one open import batch. Exactly one of Complete or Rollback ends it;
// Rollback after Complete is a no-op.
type BatchTx interface {
	InsertFinding(ctx context.Context, rec *model.FindingRecord) error
	Complete(ctx context.Context, counts model.Counts) error
	Rollback() error
}

// Open connects to the configured driver and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 && cfg.Driver == DriverSQLite {
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}

	s, err := NewSQL(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// IsBusy reports whether err is a transient contention error worth one retry.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return true
		}
		return false
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
