// Package model provides the persisted record shapes for scan imports.
package model

import (
	"strings"
	"time"
)

// DefaultState is the vendor state assumed when a scan export has no state column.
const DefaultState = "ACTIVE"

// FindingRecord is one host+vulnerability occurrence reported by one import batch.
// Records are append-only: corrections arrive by re-import, never by update.
type FindingRecord struct {
	ID      int64 `json:"id,omitempty" db:"id"`
	BatchID int64 `json:"batch_id" db:"batch_id"`

	// Host identity
	HostRaw   string `json:"host_raw" db:"host_raw"`
	Host      string `json:"host" db:"normalized_host"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`
	AssetID   string `json:"asset_id,omitempty" db:"asset_id"`

	// Vulnerability
	CVE             string   `json:"cve" db:"cve"` // raw multi-value field, trimmed only
	Severity        string   `json:"severity" db:"severity"`
	VPRScore        *float64 `json:"vpr_score,omitempty" db:"vpr_score"`
	CVSSScore       *float64 `json:"cvss_score,omitempty" db:"cvss_score"`
	PluginID        string   `json:"plugin_id,omitempty" db:"plugin_id"`
	PluginName      string   `json:"plugin_name,omitempty" db:"plugin_name"`
	PluginPublished string   `json:"plugin_published,omitempty" db:"plugin_published"`
	Description     string   `json:"description,omitempty" db:"description"`
	Solution        string   `json:"solution,omitempty" db:"solution"`
	DeviceVendor    string   `json:"device_vendor" db:"device_vendor"`
	State           string   `json:"state" db:"state"`

	// Vendor-supplied timestamps, kept verbatim
	FirstSeen string `json:"first_seen,omitempty" db:"first_seen"`
	LastSeen  string `json:"last_seen,omitempty" db:"last_seen"`

	// Identity
	DedupKey   string `json:"dedup_key" db:"dedup_key"`
	FindingKey string `json:"finding_key" db:"finding_key"`
}

// CVEs splits the stored CVE field into its individual identifiers.
// The stored field itself is never rewritten.
func (f *FindingRecord) CVEs() []string {
	return SplitCVEField(f.CVE)
}

// HasCVE reports whether the record's CVE list contains id (case-insensitive).
func (f *FindingRecord) HasCVE(id string) bool {
	return CVEListContains(f.CVE, id)
}

// CVEListContains reports whether a raw multi-value CVE field lists id.
func CVEListContains(field, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	for _, c := range SplitCVEField(field) {
		if strings.EqualFold(c, id) {
			return true
		}
	}
	return false
}

// SplitCVEField splits a comma, semicolon, or whitespace separated CVE list.
func SplitCVEField(field string) []string {
	return strings.FieldsFunc(field, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n', '\r':
			return true
		}
		return false
	})
}

// HostFinding is the projection the aggregation engine reads from the store.
type HostFinding struct {
	Host       string `json:"host" db:"normalized_host"`
	FindingKey string `json:"finding_key" db:"finding_key"`
	DedupKey   string `json:"dedup_key" db:"dedup_key"`
	CVE        string `json:"cve" db:"cve"`
}

// Projection returns the aggregation projection of the record.
func (f *FindingRecord) Projection() HostFinding {
	return HostFinding{
		Host:       f.Host,
		FindingKey: f.FindingKey,
		DedupKey:   f.DedupKey,
		CVE:        f.CVE,
	}
}

// BatchStatus is the terminal state of an import batch.
type BatchStatus string

const (
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// ImportBatch is the ledger entry for one ingestion run.
type ImportBatch struct {
	ID         int64         `json:"id" db:"id"`
	Ref        string        `json:"ref" db:"ref"`
	Filename   string        `json:"filename" db:"filename"`
	Vendor     string        `json:"vendor" db:"vendor"`
	ScanDate   string        `json:"scan_date,omitempty" db:"scan_date"`
	ImportedAt time.Time     `json:"imported_at" db:"imported_at"`
	RowCount   int           `json:"row_count" db:"row_count"`
	Committed  int           `json:"committed" db:"committed"`
	Skipped    int           `json:"skipped" db:"skipped"`
	Duplicates int           `json:"duplicates" db:"duplicates"`
	FileSize   int64         `json:"file_size" db:"file_size"`
	Headers    []string      `json:"headers" db:"-"`
	Duration   time.Duration `json:"duration" db:"-"`
}

// Counts are the final row tallies written to the ledger on completion.
type Counts struct {
	Total      int
	Committed  int
	Skipped    int
	Duplicates int
	Duration   time.Duration
}

// Apply copies the final counts onto the ledger entry.
func (b *ImportBatch) Apply(c Counts) {
	b.RowCount = c.Total
	b.Committed = c.Committed
	b.Skipped = c.Skipped
	b.Duplicates = c.Duplicates
	b.Duration = c.Duration
}
