package ingestion

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

func newTestParser(cfg Config) *Parser {
	p := NewParser(cfg, nil, nil)
	p.now = func() time.Time { return time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

func collect(t *testing.T, rows *Rows) ([]Record, []*RowError) {
	t.Helper()
	var (
		records []Record
		skipped []*RowError
	)
	for rows.Next() {
		rec, err := rows.Row()
		if err != nil {
			var rowErr *RowError
			require.True(t, errors.As(err, &rowErr), "unexpected row error type %T", err)
			skipped = append(skipped, rowErr)
			continue
		}
		records = append(records, rec)
	}
	return records, skipped
}

const tenableCSV = `asset.name,asset.display_ipv4_address,definition.cve,definition.vpr.score,definition.id,definition.name,definition.family,state
NWAN10.MMPLP.NET,10.95.6.210,"CVE-2023-0001, CVE-2023-0002",6.7,19506,Cisco IOS XE Web UI,CISCO,ACTIVE
nswan11,10.95.6.211,,,19507,Weak SSH ciphers,General,FIXED
`

// =============================================================================
// CSV
// =============================================================================

func TestParse_CSVTenable(t *testing.T) {
	p := newTestParser(DefaultConfig())

	meta, rows, err := p.Parse(strings.NewReader(tenableCSV), Source{Filename: "vulns_aug28.csv", Size: int64(len(tenableCSV))})
	require.NoError(t, err)
	defer rows.Close()

	assert.Equal(t, "csv", meta.Format)
	assert.Equal(t, "Tenable", meta.Vendor, "detected from the header row")
	assert.Equal(t, "2025-08-28", meta.ScanDate)
	assert.Len(t, meta.Headers, 8)

	records, skipped := collect(t, rows)
	require.NoError(t, rows.Err())
	assert.Empty(t, skipped)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "NWAN10.MMPLP.NET", first.Host)
	assert.Equal(t, "CVE-2023-0001, CVE-2023-0002", first.CVE)
	require.NotNil(t, first.VPRScore)
	assert.Equal(t, 6.7, *first.VPRScore)
	assert.Equal(t, "19506", first.PluginID)
	assert.Equal(t, "CISCO", first.Family)
	assert.Equal(t, 2, first.Line)

	assert.Nil(t, records[1].VPRScore)
	assert.Equal(t, "FIXED", records[1].State)
}

// TestParse_MissingHostRowSkipped covers a single row lacking the required host.
func TestParse_MissingHostRowSkipped(t *testing.T) {
	p := newTestParser(DefaultConfig())
	input := "hostname,cve\n,CVE-2023-1234\n"

	_, rows, err := p.Parse(strings.NewReader(input), Source{Filename: "report.csv"})
	require.NoError(t, err)

	records, skipped := collect(t, rows)
	require.NoError(t, rows.Err())
	assert.Empty(t, records)
	require.Len(t, skipped, 1)
	assert.Equal(t, ReasonMissingHost, skipped[0].Reason)
	assert.Equal(t, 1, rows.Count())
}

func TestParse_HostFallsBackToIP(t *testing.T) {
	p := newTestParser(DefaultConfig())
	input := "Host,IP Address,CVE\n,\"10.0.0.5, 10.0.0.6\",CVE-2024-0001\n"

	_, rows, err := p.Parse(strings.NewReader(input), Source{Filename: "report.csv"})
	require.NoError(t, err)

	records, _ := collect(t, rows)
	require.Len(t, records, 1)
	assert.Equal(t, "10.0.0.5", records[0].Host)
}

func TestParse_RowErrors(t *testing.T) {
	p := newTestParser(DefaultConfig())
	input := strings.Join([]string{
		"Host,CVE,VPR Score,CVSS Score",
		"h1,CVE-1,not-a-number,",
		"h2,CVE-2,,11",
		"h3,CVE-3",
		"h4,CVE-4,N/A,7.5",
		",,,",
	}, "\n")

	_, rows, err := p.Parse(strings.NewReader(input), Source{Filename: "report.csv"})
	require.NoError(t, err)

	records, skipped := collect(t, rows)
	require.NoError(t, rows.Err())
	require.Len(t, records, 1)
	assert.Nil(t, records[0].VPRScore)
	require.NotNil(t, records[0].CVSSScore)
	assert.Equal(t, 7.5, *records[0].CVSSScore)

	reasons := make([]string, 0, len(skipped))
	for _, s := range skipped {
		reasons = append(reasons, s.Reason)
	}
	assert.Equal(t, []string{ReasonInvalidVPR, ReasonInvalidCVSS, ReasonMalformedRecord}, reasons)
	assert.Equal(t, 4, rows.Count(), "blank rows are not counted")
}

func TestParse_CVSSFromVector(t *testing.T) {
	p := newTestParser(DefaultConfig())
	input := "Host,CVE,CVSS Vector\nh1,CVE-2021-44228,CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H\n"

	_, rows, err := p.Parse(strings.NewReader(input), Source{Filename: "report.csv"})
	require.NoError(t, err)

	records, _ := collect(t, rows)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].CVSSScore)
	assert.Equal(t, 9.8, *records[0].CVSSScore)
}

// =============================================================================
// Format detection
// =============================================================================

func TestParse_JSONNested(t *testing.T) {
	p := newTestParser(DefaultConfig())
	input := `[
		{"asset": {"name": "web01.corp", "ipv4_addresses": ["10.1.1.1", "10.1.1.2"]},
		 "definition": {"cve": ["CVE-2023-0001", "CVE-2023-0002"], "vpr": {"score": 8.1}, "id": 1001, "name": "OpenSSL"}},
		"not an object",
		{"asset": {"name": "web02"}, "definition": {"id": 1002, "name": "TLS"}}
	]`

	meta, rows, err := p.Parse(strings.NewReader(input), Source{Filename: "export.json"})
	require.NoError(t, err)
	assert.Equal(t, "json", meta.Format)
	assert.Equal(t, "Tenable", meta.Vendor)
	assert.Contains(t, meta.Headers, "asset.name")

	records, skipped := collect(t, rows)
	require.NoError(t, rows.Err())
	require.Len(t, records, 2)
	require.Len(t, skipped, 1)
	assert.Equal(t, ReasonMalformedRecord, skipped[0].Reason)
	assert.Equal(t, 2, skipped[0].Line)

	assert.Equal(t, "web01.corp", records[0].Host)
	assert.Equal(t, "10.1.1.1, 10.1.1.2", records[0].IPAddress)
	assert.Equal(t, "CVE-2023-0001, CVE-2023-0002", records[0].CVE)
	require.NotNil(t, records[0].VPRScore)
	assert.Equal(t, 8.1, *records[0].VPRScore)
	assert.Equal(t, "1001", records[0].PluginID)
}

func TestParse_JSONTruncatedDocument(t *testing.T) {
	p := newTestParser(DefaultConfig())

	_, rows, err := p.Parse(strings.NewReader(`[{"host":"a"}, {"host":`), Source{Filename: "x.json"})
	require.NoError(t, err)

	collect(t, rows)
	assert.ErrorIs(t, rows.Err(), ErrMalformedDocument)
	assert.True(t, IsFileError(rows.Err()))
}

func TestParse_FileErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"json object", []byte(`{"findings": []}`), ErrUnsupportedFormat},
		{"empty file", []byte(""), ErrMissingHeader},
		{"blank header", []byte(",,\n"), ErrMissingHeader},
		{"latin1 bytes", []byte("host,desc\nh1,caf\xe9 \xff\n"), ErrUnreadableEncoding},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03}, ErrUnreadableEncoding},
	}

	p := newTestParser(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := p.Parse(bytes.NewReader(tt.input), Source{Filename: "upload"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsFileError(err))
		})
	}
}

func TestParse_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(tenableCSV))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	p := newTestParser(DefaultConfig())
	meta, rows, err := p.Parse(&buf, Source{Filename: "scan.csv.gz"})
	require.NoError(t, err)
	defer rows.Close()

	assert.True(t, meta.Compressed)
	records, _ := collect(t, rows)
	assert.Len(t, records, 2)
}

func TestParse_ByteOrderMarks(t *testing.T) {
	p := newTestParser(DefaultConfig())

	t.Run("utf-8 bom", func(t *testing.T) {
		meta, rows, err := p.Parse(strings.NewReader("\ufeffHostname,CVE\nh1,CVE-1\n"), Source{Filename: "a.csv"})
		require.NoError(t, err)
		assert.Equal(t, "Hostname", meta.Headers[0])
		records, _ := collect(t, rows)
		require.Len(t, records, 1)
		assert.Equal(t, "h1", records[0].Host)
	})

	t.Run("utf-16 with bom", func(t *testing.T) {
		enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
		encoded, err := enc.String("Hostname,CVE\nh1,CVE-1\n")
		require.NoError(t, err)

		_, rows, err := p.Parse(strings.NewReader(encoded), Source{Filename: "a.csv"})
		require.NoError(t, err)
		records, _ := collect(t, rows)
		require.Len(t, records, 1)
		assert.Equal(t, "CVE-1", records[0].CVE)
	})
}

// =============================================================================
// Ceilings
// =============================================================================

func TestParse_Ceilings(t *testing.T) {
	t.Run("declared size", func(t *testing.T) {
		p := newTestParser(Config{MaxFileBytes: 10})
		_, _, err := p.Parse(strings.NewReader(tenableCSV), Source{Filename: "a.csv", Size: 11})
		assert.ErrorIs(t, err, ErrFileTooLarge)
	})

	t.Run("streamed size", func(t *testing.T) {
		body := "host,cve\n" + strings.Repeat("h,CVE-1\n", 2000)
		p := newTestParser(Config{MaxFileBytes: 8192})
		_, rows, err := p.Parse(strings.NewReader(body), Source{Filename: "a.csv"})
		require.NoError(t, err)
		collect(t, rows)
		assert.ErrorIs(t, rows.Err(), ErrFileTooLarge)
	})

	t.Run("row count", func(t *testing.T) {
		p := newTestParser(Config{MaxRows: 1})
		_, rows, err := p.Parse(strings.NewReader(tenableCSV), Source{Filename: "a.csv"})
		require.NoError(t, err)
		records, _ := collect(t, rows)
		assert.Len(t, records, 1)
		assert.ErrorIs(t, rows.Err(), ErrTooManyRows)
	})
}

// =============================================================================
// Vendor detection
// =============================================================================

func TestDetectVendor(t *testing.T) {
	p := newTestParser(DefaultConfig())

	assert.Equal(t, "Acme", p.detectVendor(Source{Filename: "nessus.csv", Vendor: "Acme"}, nil))
	assert.Equal(t, "Tenable", p.detectVendor(Source{Filename: "nessus_scan.csv"}, nil))
	assert.Equal(t, "Qualys", p.detectVendor(Source{Filename: "report.csv"}, []string{"IP", "DNS", "QID", "Title"}))
	assert.Equal(t, "Rapid7", p.detectVendor(Source{Filename: "insightvm-export.csv"}, nil))
	assert.Equal(t, GenericVendor, p.detectVendor(Source{Filename: "report.csv"}, []string{"Device", "CVE"}))
}

func TestMapper_VendorMapBeforeGeneric(t *testing.T) {
	headers := []string{"IP", "DNS", "QID", "Title", "CVE ID", "Vuln Status"}
	b := NewMapper("Qualys").Bind(headers)

	rec, err := b.Record([]string{"10.0.0.9", "db01.corp", "38173", "SSL Certificate", "CVE-2024-1", "Active"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "db01.corp", rec.Host)
	assert.Equal(t, "10.0.0.9", rec.IPAddress)
	assert.Equal(t, "38173", rec.PluginID)
	assert.Equal(t, "Active", rec.State)

	assert.False(t, NewMapper("generic").Bind(headers).Has(FieldPluginID))
}
