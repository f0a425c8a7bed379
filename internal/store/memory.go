package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lvonguyen/scanledger/internal/model"
)

// MemoryStore keeps everything in process. Findings are published under the
// write lock on Complete, so readers never observe a partial batch.
type MemoryStore struct {
	mu          sync.RWMutex
	batches     []model.ImportBatch
	findings    []model.FindingRecord
	nextBatch   int64
	nextFinding int64
	closed      bool

	busy        int
	failAfter   int
	failErr     error
	failEnabled bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

// InjectBusy makes the next n BeginBatch calls fail with ErrBusy.
func (m *MemoryStore) InjectBusy(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = n
}

// FailInsertAfter makes the insert following n successful inserts in a batch fail with err.
func (m *MemoryStore) FailInsertAfter(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter, m.failErr, m.failEnabled = n, err, true
}

func (m *MemoryStore) BeginBatch(ctx context.Context, batch *model.ImportBatch) (BatchTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("memory store closed")
	}
	if m.busy > 0 {
		m.busy--
		return nil, ErrBusy
	}

	m.nextBatch++
	batch.ID = m.nextBatch
	batch.ImportedAt = time.Now().UTC()

	tx := &memoryTx{store: m, batch: *batch}
	if m.failEnabled {
		tx.failAfter, tx.failErr, tx.failEnabled = m.failAfter, m.failErr, true
	}
	return tx, nil
}

func (m *MemoryStore) ListBatches(ctx context.Context, limit int) ([]model.ImportBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ImportBatch, 0, len(m.batches))
	for i := len(m.batches) - 1; i >= 0; i-- {
		out = append(out, m.batches[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id int64) (*model.ImportBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.batches {
		if m.batches[i].ID == id {
			b := m.batches[i]
			return &b, nil
		}
	}
	return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
}

func (m *MemoryStore) BatchFindings(ctx context.Context, batchID int64) ([]model.FindingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.FindingRecord
	for _, f := range m.findings {
		if f.BatchID == batchID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) HostFindings(ctx context.Context, q Query) ([]model.HostFinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.HostFinding
	for i := range m.findings {
		f := &m.findings[i]
		if q.FindingKey != "" && f.FindingKey != q.FindingKey {
			continue
		}
		if q.Host != "" && f.Host != q.Host {
			continue
		}
		if q.CVE != "" && !f.HasCVE(q.CVE) {
			continue
		}
		out = append(out, f.Projection())
	}
	return out, nil
}

func (m *MemoryStore) Generation(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var maxID int64
	for _, b := range m.batches {
		if b.ID > maxID {
			maxID = b.ID
		}
	}
	return fmt.Sprintf("%d:%d", len(m.batches), maxID), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memoryTx struct {
	store    *MemoryStore
	batch    model.ImportBatch
	findings []model.FindingRecord
	done     bool

	failAfter   int
	failErr     error
	failEnabled bool
}

func (tx *memoryTx) InsertFinding(ctx context.Context, rec *model.FindingRecord) error {
	if tx.done {
		return ErrTxFinished
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.failEnabled && len(tx.findings) >= tx.failAfter {
		return tx.failErr
	}

	f := *rec
	f.BatchID = tx.batch.ID
	tx.findings = append(tx.findings, f)
	return nil
}

func (tx *memoryTx) Complete(ctx context.Context, counts model.Counts) error {
	if tx.done {
		return ErrTxFinished
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range tx.findings {
		m.nextFinding++
		tx.findings[i].ID = m.nextFinding
	}
	tx.batch.Apply(counts)
	m.batches = append(m.batches, tx.batch)
	sort.SliceStable(m.batches, func(i, j int) bool { return m.batches[i].ID < m.batches[j].ID })
	m.findings = append(m.findings, tx.findings...)
	tx.done = true
	return nil
}

func (tx *memoryTx) Rollback() error {
	tx.done = true
	tx.findings = nil
	return nil
}

// compile-time checks
var (
	_ Store   = (*MemoryStore)(nil)
	_ BatchTx = (*memoryTx)(nil)
)
