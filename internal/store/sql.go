package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/lvonguyen/scanledger/internal/model"
)

const batchColumns = `id, ref, filename, vendor, scan_date, imported_at, row_count, committed,
	skipped, duplicates, file_size, raw_headers, processing_ms`

const findingColumns = `id, batch_id, host_raw, normalized_host, ip_address, asset_id, cve, severity,
	vpr_score, cvss_score, plugin_id, plugin_name, plugin_published, description, solution,
	device_vendor, state, first_seen, last_seen, dedup_key, finding_key`

const insertFinding = `INSERT INTO findings (
	batch_id, host_raw, normalized_host, ip_address, asset_id, cve, severity,
	vpr_score, cvss_score, plugin_id, plugin_name, plugin_published, description, solution,
	device_vendor, state, first_seen, last_seen, dedup_key, finding_key
) VALUES (
	:batch_id, :host_raw, :normalized_host, :ip_address, :asset_id, :cve, :severity,
	:vpr_score, :cvss_score, :plugin_id, :plugin_name, :plugin_published, :description, :solution,
	:device_vendor, :state, :first_seen, :last_seen, :dedup_key, :finding_key
)`

// batchRow is the ledger row as stored; headers and duration have no direct column type.
type batchRow struct {
	ID           int64     `db:"id"`
	Ref          string    `db:"ref"`
	Filename     string    `db:"filename"`
	Vendor       string    `db:"vendor"`
	ScanDate     string    `db:"scan_date"`
	ImportedAt   time.Time `db:"imported_at"`
	RowCount     int       `db:"row_count"`
	Committed    int       `db:"committed"`
	Skipped      int       `db:"skipped"`
	Duplicates   int       `db:"duplicates"`
	FileSize     int64     `db:"file_size"`
	RawHeaders   string    `db:"raw_headers"`
	ProcessingMS int64     `db:"processing_ms"`
}

// toModel converts the stored row. A corrupt raw_headers value is logged and
// the batch returned without headers; the ledger row itself stays readable.
func (r batchRow) toModel(logger *zap.Logger) model.ImportBatch {
	b := model.ImportBatch{
		ID:         r.ID,
		Ref:        r.Ref,
		Filename:   r.Filename,
		Vendor:     r.Vendor,
		ScanDate:   r.ScanDate,
		ImportedAt: r.ImportedAt.UTC(),
		RowCount:   r.RowCount,
		Committed:  r.Committed,
		Skipped:    r.Skipped,
		Duplicates: r.Duplicates,
		FileSize:   r.FileSize,
		Duration:   time.Duration(r.ProcessingMS) * time.Millisecond,
	}
	if r.RawHeaders != "" {
		if err := json.Unmarshal([]byte(r.RawHeaders), &b.Headers); err != nil {
			b.Headers = nil
			logger.Warn("Failed to decode batch headers", zap.Int64("batch_id", r.ID), zap.Error(err))
		}
	}
	return b
}

// SQLStore implements Store over database/sql via sqlx. Postgres and SQLite
// share one schema and query set; placeholders are rebound per driver.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// NewSQL wraps an open connection and applies the schema.
func NewSQL(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStore{
		db:     db,
		driver: db.DriverName(),
		logger: logger.With(zap.String("component", "store"), zap.String("driver", db.DriverName())),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaFor(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Debug("Schema applied")
	return nil
}

func (s *SQLStore) BeginBatch(ctx context.Context, batch *model.ImportBatch) (BatchTx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	headers, err := json.Marshal(batch.Headers)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to encode headers: %w", err)
	}
	if batch.Headers == nil {
		headers = []byte("[]")
	}

	importedAt := time.Now().UTC()
	query := s.db.Rebind(`INSERT INTO import_batches
		(ref, filename, vendor, scan_date, imported_at, file_size, raw_headers)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	if err := tx.QueryRowxContext(ctx, query,
		batch.Ref, batch.Filename, batch.Vendor, batch.ScanDate, importedAt, batch.FileSize, string(headers),
	).Scan(&id); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to insert import batch: %w", err)
	}

	batch.ID = id
	batch.ImportedAt = importedAt
	return &sqlTx{store: s, tx: tx, batchID: id}, nil
}

func (s *SQLStore) ListBatches(ctx context.Context, limit int) ([]model.ImportBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM import_batches ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list import batches: %w", err)
	}

	out := make([]model.ImportBatch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel(s.logger))
	}
	return out, nil
}

func (s *SQLStore) GetBatch(ctx context.Context, id int64) (*model.ImportBatch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT `+batchColumns+` FROM import_batches WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get import batch: %w", err)
	}
	b := row.toModel(s.logger)
	return &b, nil
}

func (s *SQLStore) BatchFindings(ctx context.Context, batchID int64) ([]model.FindingRecord, error) {
	var out []model.FindingRecord
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT `+findingColumns+` FROM findings WHERE batch_id = ? ORDER BY id`), batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch findings: %w", err)
	}
	return out, nil
}

func (s *SQLStore) HostFindings(ctx context.Context, q Query) ([]model.HostFinding, error) {
	var (
		where []string
		args  []any
	)
	if q.FindingKey != "" {
		where = append(where, "finding_key = ?")
		args = append(args, q.FindingKey)
	}
	if q.Host != "" {
		where = append(where, "normalized_host = ?")
		args = append(args, q.Host)
	}
	if q.CVE != "" {
		where = append(where, "UPPER(cve) LIKE ?")
		args = append(args, "%"+strings.ToUpper(strings.TrimSpace(q.CVE))+"%")
	}

	query := `SELECT normalized_host, finding_key, dedup_key, cve FROM findings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	var rows []model.HostFinding
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query host findings: %w", err)
	}

	if q.CVE == "" {
		return rows, nil
	}
	// LIKE also matches CVE-2023-1 inside CVE-2023-12; keep exact list members only.
	out := rows[:0]
	for _, r := range rows {
		if model.CVEListContains(r.CVE, q.CVE) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SQLStore) Generation(ctx context.Context) (string, error) {
	var gen struct {
		Count int64 `db:"n"`
		MaxID int64 `db:"max_id"`
	}
	if err := s.db.GetContext(ctx, &gen,
		`SELECT COUNT(*) AS n, COALESCE(MAX(id), 0) AS max_id FROM import_batches`); err != nil {
		return "", fmt.Errorf("failed to read store generation: %w", err)
	}
	return fmt.Sprintf("%d:%d", gen.Count, gen.MaxID), nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	store   *SQLStore
	tx      *sqlx.Tx
	insert  *sqlx.NamedStmt
	batchID int64
	done    bool
}

func (t *sqlTx) InsertFinding(ctx context.Context, rec *model.FindingRecord) error {
	if t.done {
		return ErrTxFinished
	}
	if t.insert == nil {
		stmt, err := t.tx.PrepareNamedContext(ctx, insertFinding)
		if err != nil {
			return fmt.Errorf("failed to prepare finding insert: %w", err)
		}
		t.insert = stmt
	}

	rec.BatchID = t.batchID
	if _, err := t.insert.ExecContext(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

func (t *sqlTx) Complete(ctx context.Context, counts model.Counts) error {
	if t.done {
		return ErrTxFinished
	}

	_, err := t.tx.ExecContext(ctx, t.store.db.Rebind(`UPDATE import_batches
		SET row_count = ?, committed = ?, skipped = ?, duplicates = ?, processing_ms = ?
		WHERE id = ?`),
		counts.Total, counts.Committed, counts.Skipped, counts.Duplicates,
		counts.Duration.Milliseconds(), t.batchID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize import batch: %w", err)
	}

	t.closeStmt()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import batch: %w", err)
	}
	t.done = true
	return nil
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.closeStmt()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.store.logger.Error("Failed to rollback import batch",
			zap.Int64("batch_id", t.batchID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (t *sqlTx) closeStmt() {
	if t.insert != nil {
		t.insert.Close()
		t.insert = nil
	}
}

var (
	_ Store   = (*SQLStore)(nil)
	_ BatchTx = (*sqlTx)(nil)
)
