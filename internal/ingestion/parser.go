// Package ingestion reads vulnerability scan exports into canonical records.
package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/lvonguyen/scanledger/internal/vendorpattern"
)

// GenericVendor labels files no vendor pattern recognised.
const GenericVendor = "generic"

const (
	sniffLen   = 4096
	bufferSize = 64 * 1024
)

// Config bounds what a single upload may contain.
type Config struct {
	MaxFileBytes int64 `yaml:"max_file_bytes" validate:"gte=0"`
	MaxRows      int   `yaml:"max_rows" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFileBytes: 256 << 20,
		MaxRows:      500000,
	}
}

// Source describes the upload being parsed.
type Source struct {
	Filename string
	Size     int64
	Vendor   string // declared by the uploader; detected when empty
}

// BatchMeta is what the parser learns about a file before any row is read.
type BatchMeta struct {
	Filename   string
	Vendor     string
	ScanDate   string
	Headers    []string
	FileSize   int64
	Format     string // csv, json
	Compressed bool
}

// Parser turns raw uploads into a lazy row sequence.
type Parser struct {
	config   Config
	patterns func() *vendorpattern.Set
	logger   *zap.Logger
	now      func() time.Time
}

// NewParser creates a parser. patterns is consulted on every Parse so pattern
// reloads take effect for the next file; nil uses the built-in defaults.
func NewParser(cfg Config, patterns func() *vendorpattern.Set, logger *zap.Logger) *Parser {
	if patterns == nil {
		patterns = vendorpattern.DefaultSet
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		config:   cfg,
		patterns: patterns,
		logger:   logger.With(zap.String("component", "parser")),
		now:      time.Now,
	}
}

// Parse sniffs the format and returns the batch metadata plus a row iterator.
// File-level problems are returned here or from Rows.Err; row problems surface
// per row. The returned Rows must be closed.
func (p *Parser) Parse(r io.Reader, src Source) (*BatchMeta, *Rows, error) {
	if p.config.MaxFileBytes > 0 && src.Size > p.config.MaxFileBytes {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, src.Size)
	}

	meta := &BatchMeta{
		Filename: src.Filename,
		FileSize: src.Size,
		ScanDate: ScanDateFromFilename(src.Filename, p.now()),
	}

	var closers []io.Closer
	br := bufio.NewReaderSize(r, bufferSize)
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: gzip: %w", ErrUnsupportedFormat, err)
		}
		closers = append(closers, zr)
		meta.Compressed = true
		br = bufio.NewReaderSize(zr, bufferSize)
	}

	var body io.Reader = br
	if p.config.MaxFileBytes > 0 {
		body = &limitReader{r: body, remaining: p.config.MaxFileBytes}
	}
	decoded := bufio.NewReaderSize(
		transform.NewReader(body, unicode.BOMOverride(transform.Nop)),
		bufferSize,
	)

	prefix, err := decoded.Peek(sniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, nil, err
	}
	if !validPrefix(prefix, len(prefix) == sniffLen) {
		return nil, nil, ErrUnreadableEncoding
	}

	var rows *Rows
	switch firstByte(prefix) {
	case '[':
		meta.Format = "json"
		rows, err = p.jsonRows(decoded, src, meta)
	case '{':
		return nil, nil, fmt.Errorf("%w: expected a JSON array of objects", ErrUnsupportedFormat)
	default:
		meta.Format = "csv"
		rows, err = p.csvRows(decoded, src, meta)
	}
	if err != nil {
		return nil, nil, err
	}

	rows.closers = closers
	rows.maxRows = p.config.MaxRows

	p.logger.Debug("Parsed file header",
		zap.String("filename", meta.Filename),
		zap.String("format", meta.Format),
		zap.String("vendor", meta.Vendor),
		zap.String("scan_date", meta.ScanDate),
		zap.Int("columns", len(meta.Headers)),
	)
	return meta, rows, nil
}

func (p *Parser) csvRows(r io.Reader, src Source, meta *BatchMeta) (*Rows, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, ErrMissingHeader
	}
	if err != nil {
		if IsFileError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMissingHeader, err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	if isBlank(headers) {
		return nil, ErrMissingHeader
	}

	meta.Headers = headers
	meta.Vendor = p.detectVendor(src, headers)

	c := &csvSource{reader: reader, width: len(headers), binding: NewMapper(meta.Vendor).Bind(headers)}
	return &Rows{next: c.next}, nil
}

func (p *Parser) jsonRows(r io.Reader, src Source, meta *BatchMeta) (*Rows, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}

	j := &jsonSource{dec: dec}
	if err := j.prime(); err != nil {
		return nil, err
	}
	if j.pending != nil && j.pendingErr == nil {
		meta.Headers = j.pending.keys
	}
	meta.Vendor = p.detectVendor(src, meta.Headers)
	j.mapper = NewMapper(meta.Vendor)
	return &Rows{next: j.next}, nil
}

// detectVendor prefers the declared vendor, then the filename, then the header row.
func (p *Parser) detectVendor(src Source, headers []string) string {
	if v := strings.TrimSpace(src.Vendor); v != "" {
		return v
	}
	set := p.patterns()
	if v, ok := set.Classify(src.Filename, vendorpattern.AxisFamily); ok {
		return v
	}
	if v, ok := set.Classify(strings.Join(headers, ","), vendorpattern.AxisFamily); ok {
		return v
	}
	return GenericVendor
}

func firstByte(prefix []byte) byte {
	trimmed := bytes.TrimLeft(prefix, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// validPrefix checks the sniffed prefix is NUL-free UTF-8, tolerating a rune cut
// at the end of a full buffer. NUL bytes mean binary or BOM-less UTF-16.
func validPrefix(p []byte, truncated bool) bool {
	if bytes.IndexByte(p, 0) >= 0 {
		return false
	}
	if utf8.Valid(p) {
		return true
	}
	if !truncated {
		return false
	}
	for i := 1; i < utf8.UTFMax && i < len(p); i++ {
		if utf8.Valid(p[:len(p)-i]) {
			return true
		}
	}
	return false
}

func isBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// limitReader fails with ErrFileTooLarge instead of silently truncating.
type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		var extra [1]byte
		n, err := l.r.Read(extra[:])
		if n > 0 {
			return 0, ErrFileTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
