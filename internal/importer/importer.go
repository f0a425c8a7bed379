// Package importer runs one scan export through parsing, normalization and a
// single atomic store batch.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/scanledger/internal/ingestion"
	"github.com/lvonguyen/scanledger/internal/model"
	"github.com/lvonguyen/scanledger/internal/normalization"
	"github.com/lvonguyen/scanledger/internal/observability"
	"github.com/lvonguyen/scanledger/internal/store"
)

// Config tunes an Importer.
type Config struct {
	Workers         int           `yaml:"workers" validate:"gte=0"`
	ChunkSize       int           `yaml:"chunk_size" validate:"gte=0"`
	MaxSkipRate     float64       `yaml:"max_skip_rate" validate:"gte=0,lte=1"`
	SkipRateMinRows int           `yaml:"skip_rate_min_rows" validate:"gte=0"`
	BusyRetryDelay  time.Duration `yaml:"busy_retry_delay" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.NumCPU(),
		ChunkSize:       1000,
		MaxSkipRate:     0.5,
		SkipRateMinRows: 10,
		BusyRetryDelay:  250 * time.Millisecond,
	}
}

// Result is returned by every Import, successful or not, so operators can judge
// data quality without reading logs.
type Result struct {
	BatchID          int64             `json:"batch_id,omitempty"`
	Ref              string            `json:"ref,omitempty"`
	Filename         string            `json:"filename"`
	Vendor           string            `json:"vendor,omitempty"`
	ScanDate         string            `json:"scan_date,omitempty"`
	TotalRows        int               `json:"total_rows"`
	Committed        int               `json:"committed"`
	Skipped          int               `json:"skipped"`
	Duplicates       int               `json:"duplicates"`
	SkipReasons      map[string]int    `json:"skip_reasons,omitempty"`
	CVEDiscrepancies int               `json:"cve_discrepancies"`
	Status           model.BatchStatus `json:"status"`
	Error            string            `json:"error,omitempty"`
	Duration         time.Duration     `json:"duration"`
}

// Importer coordinates one upload end to end.
type Importer struct {
	config     Config
	parser     *ingestion.Parser
	normalizer *normalization.Normalizer
	tracker    *Tracker
	logger     *zap.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// Option customizes an Importer.
type Option func(*Importer)

// WithMetrics records import outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(im *Importer) { im.metrics = m }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(im *Importer) { im.tracer = t }
}

// New creates an Importer.
func New(cfg Config, parser *ingestion.Parser, normalizer *normalization.Normalizer, s store.Store, logger *zap.Logger, opts ...Option) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}

	im := &Importer{
		config:     cfg,
		parser:     parser,
		normalizer: normalizer,
		tracker:    NewTracker(s, logger),
		logger:     logger.With(zap.String("component", "importer")),
		tracer:     otel.Tracer("scanledger/importer"),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

type normalized struct {
	record     model.FindingRecord
	discrepant bool
}

// Import reads r as one upload and commits it as one batch. A file-format
// failure returns a *FileError (ErrFileFormat); a store failure returns
// ErrStorage. In both cases nothing is committed. The Result is never nil.
func (im *Importer) Import(ctx context.Context, r io.Reader, src ingestion.Source) (*Result, error) {
	start := time.Now()
	ctx, span := im.tracer.Start(ctx, "importer.Import",
		trace.WithAttributes(attribute.String("filename", src.Filename)))
	defer span.End()

	res := &Result{
		Filename:    src.Filename,
		Status:      model.BatchFailed,
		SkipReasons: make(map[string]int),
	}

	err := im.run(ctx, r, src, res, start)
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = model.BatchFailed
		res.BatchID = 0
		res.Ref = ""
		res.Committed = 0
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		im.logger.Warn("Import failed",
			zap.String("filename", src.Filename),
			zap.Int("total_rows", res.TotalRows),
			zap.Int("skipped", res.Skipped),
			zap.Duration("duration", res.Duration),
			zap.Error(err),
		)
	} else {
		res.Status = model.BatchCompleted
		span.SetAttributes(
			attribute.Int64("batch_id", res.BatchID),
			attribute.Int("committed", res.Committed),
			attribute.Int("skipped", res.Skipped),
		)
		im.logger.Info("Import completed",
			zap.Int64("batch_id", res.BatchID),
			zap.String("filename", res.Filename),
			zap.String("vendor", res.Vendor),
			zap.Int("total_rows", res.TotalRows),
			zap.Int("committed", res.Committed),
			zap.Int("skipped", res.Skipped),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("cve_discrepancies", res.CVEDiscrepancies),
			zap.Duration("duration", res.Duration),
		)
	}

	im.metrics.ObserveImport(observability.ImportOutcome{
		Vendor:         res.Vendor,
		Status:         string(res.Status),
		Duration:       res.Duration,
		Committed:      res.Committed,
		Skipped:        res.Skipped,
		Duplicates:     res.Duplicates,
		SkipReasons:    res.SkipReasons,
		CVEDiscrepancy: res.CVEDiscrepancies,
	})
	return res, err
}

func (im *Importer) run(ctx context.Context, r io.Reader, src ingestion.Source, res *Result, start time.Time) error {
	meta, rows, err := im.parser.Parse(r, src)
	if err != nil {
		return im.fileError(src.Filename, err)
	}
	defer rows.Close()

	res.Vendor = meta.Vendor
	res.ScanDate = meta.ScanDate

	records, err := im.normalize(ctx, rows, res)
	if err != nil {
		return err
	}

	if err := im.checkSkipRate(res); err != nil {
		return im.fileError(src.Filename, err)
	}

	unique := im.dedup(records, res)

	return im.commit(ctx, meta, unique, res, start)
}

// normalize drains the row iterator, counting skipped rows in order, while
// chunks of good rows are normalized concurrently.
func (im *Importer) normalize(ctx context.Context, rows *ingestion.Rows, res *Result) ([]normalized, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.config.Workers)

	var (
		chunks []*[]normalized
		chunk  = make([]ingestion.Record, 0, im.config.ChunkSize)
	)

	dispatch := func(in []ingestion.Record) {
		out := new([]normalized)
		chunks = append(chunks, out)
		g.Go(func() error {
			result := make([]normalized, 0, len(in))
			for _, rec := range in {
				if err := gctx.Err(); err != nil {
					return err
				}
				fr, diag := im.normalizer.Normalize(rec)
				result = append(result, normalized{record: fr, discrepant: diag.UnderReported()})
			}
			*out = result
			return nil
		})
	}

	for rows.Next() {
		rec, err := rows.Row()
		if err == nil {
			err = normalization.ResolveHost(&rec)
		}
		if err != nil {
			var rowErr *ingestion.RowError
			if errors.As(err, &rowErr) {
				res.Skipped++
				res.SkipReasons[rowErr.Reason]++
				im.logger.Debug("Skipping row", zap.String("filename", res.Filename), zap.Error(rowErr))
				continue
			}
			return nil, err
		}

		chunk = append(chunk, rec)
		if len(chunk) == im.config.ChunkSize {
			dispatch(chunk)
			chunk = make([]ingestion.Record, 0, im.config.ChunkSize)
		}
		if err := ctx.Err(); err != nil {
			break
		}
	}
	if len(chunk) > 0 {
		dispatch(chunk)
	}

	waitErr := g.Wait()
	res.TotalRows = rows.Count()

	if err := rows.Err(); err != nil {
		return nil, im.fileError(res.Filename, err)
	}
	if waitErr != nil {
		return nil, waitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []normalized
	for _, c := range chunks {
		out = append(out, *c...)
	}
	return out, nil
}

func (im *Importer) checkSkipRate(res *Result) error {
	if res.TotalRows == 0 || res.TotalRows < im.config.SkipRateMinRows {
		return nil
	}
	rate := float64(res.Skipped) / float64(res.TotalRows)
	if rate > im.config.MaxSkipRate {
		return fmt.Errorf("%w: %d of %d rows unparseable (%.0f%% > %.0f%%)",
			ingestion.ErrSkipRateExceeded, res.Skipped, res.TotalRows, rate*100, im.config.MaxSkipRate*100)
	}
	return nil
}

// dedup drops rows repeating a dedup key already seen in this batch. The first
// occurrence wins. Keys repeating earlier batches are kept: the store is append-only.
func (im *Importer) dedup(records []normalized, res *Result) []model.FindingRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]model.FindingRecord, 0, len(records))
	for _, n := range records {
		if _, dup := seen[n.record.DedupKey]; dup {
			res.Duplicates++
			continue
		}
		seen[n.record.DedupKey] = struct{}{}
		if n.discrepant {
			res.CVEDiscrepancies++
		}
		out = append(out, n.record)
	}
	return out
}

// commit writes the batch as one unit. A transient busy error anywhere in the
// unit rolls it back and retries the whole unit once.
func (im *Importer) commit(ctx context.Context, meta *ingestion.BatchMeta, records []model.FindingRecord, res *Result, start time.Time) error {
	ctx, span := im.tracer.Start(ctx, "importer.commit",
		trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	operation := func() error {
		batch, err := im.tracker.Begin(ctx, meta)
		if err != nil {
			return retryable(err)
		}
		defer batch.Abort()

		for i := range records {
			if err := batch.Record(ctx, &records[i]); err != nil {
				return retryable(err)
			}
		}

		counts := model.Counts{
			Total:      res.TotalRows,
			Committed:  len(records),
			Skipped:    res.Skipped,
			Duplicates: res.Duplicates,
			Duration:   time.Since(start),
		}
		if err := batch.Complete(ctx, counts); err != nil {
			return retryable(err)
		}

		res.BatchID = batch.ID()
		res.Ref = batch.Ref()
		res.Committed = len(records)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(im.config.BusyRetryDelay), 1),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		im.metrics.ObserveBusyRetry()
		im.logger.Warn("Store busy, retrying import batch",
			zap.String("filename", meta.Filename),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		span.RecordError(err)
		return storageError(err)
	}
	return nil
}

func retryable(err error) error {
	if store.IsBusy(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (im *Importer) fileError(filename string, err error) error {
	var fe *FileError
	if errors.As(err, &fe) {
		return err
	}
	if ingestion.IsFileError(err) {
		return &FileError{Filename: filename, Err: err}
	}
	return err
}
