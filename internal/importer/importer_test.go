package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/scanledger/internal/ingestion"
	"github.com/lvonguyen/scanledger/internal/model"
	"github.com/lvonguyen/scanledger/internal/normalization"
	"github.com/lvonguyen/scanledger/internal/observability"
	"github.com/lvonguyen/scanledger/internal/store"
)

func newTestImporter(t *testing.T, s store.Store, opts ...Option) *Importer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BusyRetryDelay = 0
	cfg.ChunkSize = 7
	cfg.Workers = 4
	return New(cfg,
		ingestion.NewParser(ingestion.DefaultConfig(), nil, nil),
		normalization.NewNormalizer(nil),
		s, nil, opts...)
}

func csvOf(rows ...string) string {
	return "Hostname,CVE,Plugin ID,Description\n" + strings.Join(rows, "\n") + "\n"
}

func runImport(t *testing.T, im *Importer, name, body string) (*Result, error) {
	t.Helper()
	return im.Import(context.Background(), strings.NewReader(body), ingestion.Source{Filename: name, Size: int64(len(body))})
}

// =============================================================================
// Counts
// =============================================================================

// TestImport_SingleSkippedRow verifies a file whose only row lacks a host still
// yields a committed, empty batch rather than an error.
func TestImport_SingleSkippedRow(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)

	res, err := runImport(t, im, "one.csv", csvOf(",CVE-2023-1234,,"))
	require.NoError(t, err)

	assert.Equal(t, model.BatchCompleted, res.Status)
	assert.NotZero(t, res.BatchID)
	assert.NotEmpty(t, res.Ref)
	assert.Equal(t, 1, res.TotalRows)
	assert.Equal(t, 0, res.Committed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, map[string]int{ingestion.ReasonMissingHost: 1}, res.SkipReasons)

	batch, err := s.GetBatch(context.Background(), res.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.RowCount)
	assert.Equal(t, 0, batch.Committed)
	assert.Equal(t, 1, batch.Skipped)
}

// TestImport_HostWithEmptyIdentity verifies a host that normalizes to "" falls
// back to the IP column, and is skipped as missing_host without one.
func TestImport_HostWithEmptyIdentity(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)

	body := "Hostname,IP Address,CVE,Description\n" +
		"hostA.mmplp.net,,CVE-2023-9999,\n" +
		".mmplp.net,10.1.2.3,CVE-2023-9999,\n" +
		".mmplp.net,,CVE-2023-9999,\n"
	res, err := runImport(t, im, "dotted.csv", body)
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalRows)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, map[string]int{ingestion.ReasonMissingHost: 1}, res.SkipReasons)

	recs, err := s.BatchFindings(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "hosta", recs[0].Host)
	assert.Equal(t, "10.1.2.3", recs[1].Host)
	assert.Equal(t, "10.1.2.3|CVE-2023-9999", recs[1].DedupKey)
	for _, r := range recs {
		assert.NotEmpty(t, r.Host)
	}
}

func TestImport_WithinBatchDuplicates(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)

	res, err := runImport(t, im, "dups.csv", csvOf(
		"NWAN10.MMPLP.NET,CVE-2023-1234,,",
		"nwan10,CVE-2023-1234,,",
		"nwan10,,19506,Weak ciphers",
	))
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalRows)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, 1, res.Duplicates)

	recs, err := s.BatchFindings(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "NWAN10.MMPLP.NET", recs[0].HostRaw, "first occurrence wins")
}

// TestImport_ReimportAppendsBatch verifies identical uploads become separate batches
// whose findings share dedup keys.
func TestImport_ReimportAppendsBatch(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)
	body := csvOf("host1.corp,CVE-2023-1,,", "host2.corp,CVE-2023-1,,")

	first, err := runImport(t, im, "scan.csv", body)
	require.NoError(t, err)
	second, err := runImport(t, im, "scan.csv", body)
	require.NoError(t, err)

	assert.Greater(t, second.BatchID, first.BatchID)
	assert.NotEqual(t, first.Ref, second.Ref)

	a, err := s.BatchFindings(context.Background(), first.BatchID)
	require.NoError(t, err)
	b, err := s.BatchFindings(context.Background(), second.BatchID)
	require.NoError(t, err)
	require.Len(t, a, 2)
	require.Len(t, b, 2)
	assert.Equal(t, a[0].DedupKey, b[0].DedupKey)
}

func TestImport_CVEPreservedAndDiscrepancyCounted(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)

	res, err := runImport(t, im, "cves.csv", csvOf(
		`h1,"CVE-2023-0001, CVE-2023-0002",,See CVE-2023-0003`,
		`h2,CVE-2023-0004,,Fixes CVE-2023-0004`,
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.CVEDiscrepancies)

	recs, err := s.BatchFindings(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "CVE-2023-0001, CVE-2023-0002", recs[0].CVE)
}

func TestImport_ChunkedNormalizationKeepsOrder(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)

	var rows []string
	for i := 0; i < 100; i++ {
		rows = append(rows, fmt.Sprintf("host%03d,CVE-2024-%04d,,", i, i))
	}
	rows = append(rows, "host000,CVE-2024-0000,,")

	res, err := runImport(t, im, "big.csv", csvOf(rows...))
	require.NoError(t, err)
	assert.Equal(t, 101, res.TotalRows)
	assert.Equal(t, 100, res.Committed)
	assert.Equal(t, 1, res.Duplicates)

	recs, err := s.BatchFindings(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Len(t, recs, 100)
	for i, r := range recs {
		assert.Equal(t, fmt.Sprintf("host%03d", i), r.Host)
	}
}

// =============================================================================
// File-format failures
// =============================================================================

func TestImport_SkipRateExceeded(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)

	var rows []string
	for i := 0; i < 4; i++ {
		rows = append(rows, fmt.Sprintf("h%d,CVE-2024-%04d,,", i, i))
	}
	for i := 0; i < 6; i++ {
		rows = append(rows, ",CVE-2024-9999,,")
	}

	res, err := runImport(t, im, "wrong.csv", csvOf(rows...))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileFormat)
	assert.ErrorIs(t, err, ingestion.ErrSkipRateExceeded)

	var fe *FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "wrong.csv", fe.Filename)

	assert.Equal(t, model.BatchFailed, res.Status)
	assert.Zero(t, res.BatchID)
	assert.Equal(t, 10, res.TotalRows)
	assert.Equal(t, 6, res.Skipped)

	batches, err := s.ListBatches(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestImport_SkipRateAtThresholdPasses(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)

	var rows []string
	for i := 0; i < 5; i++ {
		rows = append(rows, fmt.Sprintf("h%d,CVE-2024-%04d,,", i, i), ",,,x")
	}

	res, err := runImport(t, im, "half.csv", csvOf(rows...))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Committed)
	assert.Equal(t, 5, res.Skipped)
}

func TestImport_UnsupportedFormat(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)

	res, err := runImport(t, im, "doc.json", `{"vulnerabilities": []}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileFormat)
	assert.ErrorIs(t, err, ingestion.ErrUnsupportedFormat)
	assert.Equal(t, model.BatchFailed, res.Status)
	assert.NotEmpty(t, res.Error)
}

// =============================================================================
// Storage failures
// =============================================================================

func TestImport_BusyRetriedOnce(t *testing.T) {
	s := store.NewMemory()
	s.InjectBusy(1)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	im := newTestImporter(t, s, WithMetrics(metrics))

	res, err := runImport(t, im, "retry.csv", csvOf("h1,CVE-1,,"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BusyRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ImportsTotal.WithLabelValues("generic", "completed")))
}

func TestImport_BusyTwiceFails(t *testing.T) {
	s := store.NewMemory()
	s.InjectBusy(2)
	im := newTestImporter(t, s)

	res, err := runImport(t, im, "busy.csv", csvOf("h1,CVE-1,,"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.True(t, store.IsBusy(err))
	assert.Equal(t, model.BatchFailed, res.Status)
}

// TestImport_PersistentFailureRollsBack verifies a mid-batch failure leaves zero rows visible.
func TestImport_PersistentFailureRollsBack(t *testing.T) {
	s := store.NewMemory()
	s.FailInsertAfter(1, errors.New("disk full"))
	im := newTestImporter(t, s)
	ctx := context.Background()

	before, err := s.Generation(ctx)
	require.NoError(t, err)

	res, err := runImport(t, im, "partial.csv", csvOf("h1,CVE-1,,", "h2,CVE-2,,"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.False(t, store.IsBusy(err))
	assert.Zero(t, res.Committed)
	assert.Zero(t, res.BatchID)

	after, err := s.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	hf, err := s.HostFindings(ctx, store.Query{})
	require.NoError(t, err)
	assert.Empty(t, hf)
}

func TestImport_ConcurrentUploads(t *testing.T) {
	s := store.NewMemory()
	im := newTestImporter(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := runImport(t, im, fmt.Sprintf("scan%d.csv", i), csvOf(fmt.Sprintf("h%d,CVE-1,,", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	batches, err := s.ListBatches(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, batches, 6)
}

// =============================================================================
// Tracker
// =============================================================================

func TestTracker_AbortDiscards(t *testing.T) {
	s := store.NewMemory()
	tr := NewTracker(s, nil)
	ctx := context.Background()

	batch, err := tr.Begin(ctx, &ingestion.BatchMeta{Filename: "a.csv", Vendor: "generic"})
	require.NoError(t, err)
	require.NoError(t, batch.Record(ctx, &model.FindingRecord{Host: "h1", DedupKey: "h1|x", FindingKey: "x"}))
	batch.Abort()
	batch.Abort()

	batches, err := s.ListBatches(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestTracker_CompleteThenAbortIsNoop(t *testing.T) {
	s := store.NewMemory()
	tr := NewTracker(s, nil)
	ctx := context.Background()

	batch, err := tr.Begin(ctx, &ingestion.BatchMeta{Filename: "a.csv", Vendor: "generic", Headers: []string{"Host"}})
	require.NoError(t, err)
	require.NoError(t, batch.Record(ctx, &model.FindingRecord{Host: "h1", DedupKey: "h1|x", FindingKey: "x"}))
	require.NoError(t, batch.Complete(ctx, model.Counts{Total: 1, Committed: 1}))
	batch.Abort()

	got, err := s.GetBatch(ctx, batch.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"Host"}, got.Headers)

	recs, err := s.BatchFindings(ctx, batch.ID())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
