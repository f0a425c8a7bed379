package ingestion

import (
	"errors"
	"fmt"
)

// File-level errors. Any of these aborts the whole batch.
var (
	ErrUnsupportedFormat  = errors.New("unsupported file format")
	ErrUnreadableEncoding = errors.New("unreadable text encoding")
	ErrMissingHeader      = errors.New("missing header row")
	ErrMalformedDocument  = errors.New("malformed document")
	ErrFileTooLarge       = errors.New("file exceeds size limit")
	ErrTooManyRows        = errors.New("file exceeds row limit")
	ErrSkipRateExceeded   = errors.New("skip rate exceeded")
)

// Skip reasons reported for row-level errors.
const (
	ReasonMissingHost     = "missing_host"
	ReasonInvalidVPR      = "invalid_vpr"
	ReasonInvalidCVSS     = "invalid_cvss"
	ReasonMalformedRecord = "malformed_record"
)

// RowError describes why a single row was skipped. The row is counted, never fatal.
type RowError struct {
	Line   int
	Reason string
	Detail string
}

func (e *RowError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("line %d: %s: %s", e.Line, e.Reason, e.Detail)
}

// IsFileError reports whether err aborts a batch as a file-format failure.
func IsFileError(err error) bool {
	for _, target := range []error{
		ErrUnsupportedFormat, ErrUnreadableEncoding, ErrMissingHeader, ErrMalformedDocument,
		ErrFileTooLarge, ErrTooManyRows, ErrSkipRateExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
