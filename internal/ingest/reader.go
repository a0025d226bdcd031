// Package ingest decodes interval records from JSON and CSV and encodes
// engine results back to the same formats.
package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/ehr/timeline/internal/timeline"
)

// Format names a file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ErrSchema reports an unusable column mapping or input layout.
var ErrSchema = errors.New("invalid record schema")

// ParseFormat validates a format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// Schema maps record fields onto intervals. Every field that is neither a
// key nor a bound becomes payload.
type Schema struct {
	KeyFields  []string      `json:"key_fields"`
	StartField string        `json:"start_field"`
	EndField   string        `json:"end_field"`
	Axis       timeline.Axis `json:"axis"`
}

// DefaultSchema reads "key", "start" and "end" on the time axis.
func DefaultSchema() Schema {
	return Schema{
		KeyFields:  []string{"key"},
		StartField: "start",
		EndField:   "end",
		Axis:       timeline.AxisTime,
	}
}

func (s *Schema) normalize() error {
	if len(s.KeyFields) == 0 {
		return fmt.Errorf("%w: at least one key field is required", ErrSchema)
	}
	if s.StartField == "" {
		s.StartField = "start"
	}
	if s.EndField == "" {
		s.EndField = "end"
	}
	if s.StartField == s.EndField {
		return fmt.Errorf("%w: start and end must be different fields", ErrSchema)
	}
	axis, err := timeline.ParseAxis(string(s.Axis))
	if err != nil {
		return err
	}
	s.Axis = axis
	return nil
}

// Normalize returns s with default bound names filled in, or ErrSchema when
// the mapping is unusable.
func (s Schema) Normalize() (Schema, error) {
	err := s.normalize()
	return s, err
}

// Batch is the decoded input. Skipped counts records whose start or end was
// missing or unparseable.
type Batch struct {
	Intervals []timeline.Interval
	Skipped   int
}

// FromRecords converts generic records. The interval ID is the record's
// position in the slice.
func (s Schema) FromRecords(records []map[string]any) (*Batch, error) {
	if err := s.normalize(); err != nil {
		return nil, err
	}
	b := &Batch{Intervals: make([]timeline.Interval, 0, len(records))}
	for i, rec := range records {
		iv, ok := s.interval(int64(i), rec)
		if !ok {
			b.Skipped++
			continue
		}
		b.Intervals = append(b.Intervals, iv)
	}
	return b, nil
}

func (s Schema) interval(id int64, rec map[string]any) (timeline.Interval, bool) {
	start, ok := s.position(rec[s.StartField])
	if !ok {
		return timeline.Interval{}, false
	}
	end, ok := s.position(rec[s.EndField])
	if !ok {
		return timeline.Interval{}, false
	}

	key := make(timeline.GroupKey, len(s.KeyFields))
	skip := make(map[string]bool, len(s.KeyFields)+2)
	for i, f := range s.KeyFields {
		key[i] = keyPart(rec[f])
		skip[f] = true
	}
	skip[s.StartField] = true
	skip[s.EndField] = true

	var payload map[string]any
	for k, v := range rec {
		if skip[k] {
			continue
		}
		if payload == nil {
			payload = make(map[string]any)
		}
		payload[k] = v
	}
	return timeline.Interval{ID: id, Key: key, Start: start, End: end, Payload: payload}, true
}

// NullKey stands in for a missing or null key value so that such records
// form their own group. Writers render it as null again.
const NullKey = "\u2400"

func keyPart(v any) string {
	if v == nil {
		return NullKey
	}
	return cast.ToString(v)
}

func (s Schema) position(v any) (int64, bool) {
	if v == nil {
		return 0, false
	}
	if str, ok := v.(string); ok && strings.TrimSpace(str) == "" {
		return 0, false
	}
	if s.Axis == timeline.AxisInteger {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return 0, false
	}
	return timeline.FromTime(t), true
}

// Read decodes r in the given format.
func Read(r io.Reader, f Format, s Schema) (*Batch, error) {
	var records []map[string]any
	var err error
	switch f {
	case FormatCSV:
		records, err = readCSV(r, s.KeyFields)
	default:
		records, err = readJSON(r)
	}
	if err != nil {
		return nil, err
	}
	return s.FromRecords(records)
}

func readJSON(r io.Reader) ([]map[string]any, error) {
	var records []map[string]any
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: decode json records: %w", ErrSchema, err)
	}
	for _, rec := range records {
		NormalizeNumbers(rec)
	}
	return records, nil
}

// NormalizeNumbers rewrites integral float64 values of a decoded JSON
// object as int64, in place.
func NormalizeNumbers(rec map[string]any) {
	for k, v := range rec {
		rec[k] = normalizeNumber(v)
	}
}

// normalizeNumber turns integral JSON numbers into int64 so that integer
// sums stay integers.
func normalizeNumber(v any) any {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return v
	}
	return int64(f)
}

// readCSV keeps key columns verbatim so that identifiers such as "007" are
// not reinterpreted as numbers. An empty key cell is a null key.
func readCSV(r io.Reader, keyFields []string) ([]map[string]any, error) {
	raw := make(map[string]bool, len(keyFields))
	for _, f := range keyFields {
		raw[f] = true
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read csv header: %w", ErrSchema, err)
	}

	var records []map[string]any
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read csv row %d: %w", ErrSchema, len(records)+1, err)
		}
		rec := make(map[string]any, len(header))
		for i, col := range header {
			switch {
			case i >= len(row):
			case raw[col] && row[i] == "":
				rec[col] = nil
			case raw[col]:
				rec[col] = row[i]
			default:
				rec[col] = inferCell(row[i])
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// inferCell types a CSV cell as int64, float64 or string. Empty cells are
// nil.
func inferCell(s string) any {
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
