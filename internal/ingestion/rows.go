package ingestion

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Rows is a finite, non-restartable sequence of parsed rows. To read a file
// again, parse it again.
//
//	for rows.Next() {
//		rec, err := rows.Row() // err is a *RowError for skipped rows
//	}
//	if err := rows.Err(); err != nil { ... }
type Rows struct {
	next    func() (Record, error) // io.EOF when exhausted
	closers []io.Closer
	maxRows int

	count  int
	cur    Record
	curErr error
	err    error
	done   bool
}

// Next advances to the next row. It returns false at the end of input or on a
// file-level error, which Err then reports.
func (r *Rows) Next() bool {
	if r.done {
		return false
	}

	rec, err := r.next()
	if err == io.EOF {
		r.done = true
		return false
	}
	var rowErr *RowError
	if err != nil && !errors.As(err, &rowErr) {
		r.err = err
		r.done = true
		return false
	}

	r.count++
	if r.maxRows > 0 && r.count > r.maxRows {
		r.err = fmt.Errorf("%w: more than %d rows", ErrTooManyRows, r.maxRows)
		r.done = true
		return false
	}

	r.cur, r.curErr = rec, err
	return true
}

// Row returns the current record, or a *RowError when the row must be skipped.
func (r *Rows) Row() (Record, error) {
	return r.cur, r.curErr
}

// Err returns the file-level error that stopped iteration, if any.
func (r *Rows) Err() error {
	return r.err
}

// Count returns the number of rows yielded so far, skipped rows included.
func (r *Rows) Count() int {
	return r.count
}

// Close releases decompression state.
func (r *Rows) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	r.closers = nil
	r.done = true
	return errors.Join(errs...)
}

type csvSource struct {
	reader  *csv.Reader
	width   int
	binding Binding
}

func (c *csvSource) next() (Record, error) {
	for {
		values, err := c.reader.Read()
		if err == io.EOF {
			return Record{}, io.EOF
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return Record{Line: perr.StartLine}, &RowError{Line: perr.StartLine, Reason: ReasonMalformedRecord, Detail: perr.Err.Error()}
			}
			return Record{}, err
		}

		line, _ := c.reader.FieldPos(0)
		if isBlank(values) {
			continue
		}
		if len(values) != c.width {
			return Record{Line: line}, &RowError{
				Line:   line,
				Reason: ReasonMalformedRecord,
				Detail: fmt.Sprintf("%d fields, header has %d", len(values), c.width),
			}
		}
		return c.binding.Record(values, line)
	}
}

// jsonElement is one array element flattened to dotted column names, so
// {"asset":{"name":"x"}} reads like a CSV column "asset.name".
type jsonElement struct {
	keys   []string
	values []string
}

type jsonSource struct {
	dec    *json.Decoder
	mapper *Mapper
	index  int

	pending    *jsonElement
	pendingErr error
	primed     bool
}

// prime reads the first element ahead so its keys can stand in for a header row.
func (j *jsonSource) prime() error {
	if !j.dec.More() {
		return nil
	}
	el, err := j.read()
	var rowErr *RowError
	if err != nil && !errors.As(err, &rowErr) {
		return err
	}
	j.pending, j.pendingErr, j.primed = el, err, true
	return nil
}

func (j *jsonSource) next() (Record, error) {
	var (
		el  *jsonElement
		err error
	)
	if j.primed {
		el, err = j.pending, j.pendingErr
		j.pending, j.pendingErr, j.primed = nil, nil, false
	} else {
		if !j.dec.More() {
			if _, err := j.dec.Token(); err != nil {
				return Record{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
			}
			return Record{}, io.EOF
		}
		el, err = j.read()
	}
	if err != nil {
		return Record{Line: j.index}, err
	}
	return j.mapper.Bind(el.keys).Record(el.values, j.index)
}

func (j *jsonSource) read() (*jsonElement, error) {
	j.index++

	var raw json.RawMessage
	if err := j.dec.Decode(&raw); err != nil {
		if IsFileError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: element %d: %w", ErrMalformedDocument, j.index, err)
	}

	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, &RowError{Line: j.index, Reason: ReasonMalformedRecord, Detail: "element is not an object"}
	}

	flat := make(map[string]string, len(obj))
	flatten("", obj, flat)

	el := &jsonElement{keys: make([]string, 0, len(flat))}
	for k := range flat {
		el.keys = append(el.keys, k)
	}
	sort.Strings(el.keys)
	el.values = make([]string, len(el.keys))
	for i, k := range el.keys {
		el.values[i] = flat[k]
	}
	return el, nil
}

func flatten(prefix string, v any, out map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := scalar(item); ok && s != "" {
				parts = append(parts, s)
			}
		}
		out[prefix] = strings.Join(parts, ", ")
	default:
		s, _ := scalar(t)
		out[prefix] = s
	}
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
