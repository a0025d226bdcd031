package ingest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/ehr/timeline/internal/timeline"
)

// Columns every segment record carries besides the schema fields.
const (
	FieldID        = "id"
	FieldIDs       = "ids"
	FieldLowerOpen = "lower_open"
	FieldUpperOpen = "upper_open"
)

// SegmentRecord is a segment in the shape of an input record: key and bound
// fields under the schema's names, payload fields beside them, plus the id
// columns. Engine columns win over payload fields of the same name.
type SegmentRecord map[string]any

// IntersectionRecord is the external form of one pairwise overlap.
type IntersectionRecord struct {
	Key   []any `json:"key"`
	RefID int64 `json:"ref_id"`
	SrcID int64 `json:"src_id"`
	Start any   `json:"start"`
	End   any   `json:"end"`
}

// Document is the JSON output of a consolidation.
type Document struct {
	Segments      []SegmentRecord      `json:"segments"`
	Intersections []IntersectionRecord `json:"intersections,omitempty"`
	Dropped       int                  `json:"dropped"`
	Groups        int                  `json:"groups"`
	Components    int                  `json:"components"`
}

// Position renders p for output on the given axis.
func Position(p int64, axis timeline.Axis) any {
	if axis == timeline.AxisInteger {
		return p
	}
	return timeline.ToTime(p).Format(time.RFC3339Nano)
}

// keyName is the field name of the i-th key part. Keys wider than the schema
// fall back to key_<i>.
func (s Schema) keyName(i int) string {
	if i < len(s.KeyFields) {
		return s.KeyFields[i]
	}
	return "key_" + strconv.Itoa(i)
}

func keyValue(part string) any {
	if part == NullKey {
		return nil
	}
	return part
}

func (s Schema) bounds() (string, string) {
	start, end := s.StartField, s.EndField
	if start == "" {
		start = "start"
	}
	if end == "" {
		end = "end"
	}
	return start, end
}

// Segment converts one segment into the schema's record shape.
func (s Schema) Segment(seg timeline.Segment) SegmentRecord {
	rec := make(SegmentRecord, len(seg.Payload)+len(seg.Key)+6)
	for k, v := range seg.Payload {
		rec[k] = v
	}
	for i, part := range seg.Key {
		rec[s.keyName(i)] = keyValue(part)
	}
	startField, endField := s.bounds()
	rec[startField] = Position(seg.Start, s.Axis)
	rec[endField] = Position(seg.End, s.Axis)
	rec[FieldID] = seg.ID
	if len(seg.IDs) > 0 {
		rec[FieldIDs] = seg.IDs
	}
	if seg.LowerOpen {
		rec[FieldLowerOpen] = true
	}
	if seg.UpperOpen {
		rec[FieldUpperOpen] = true
	}
	return rec
}

// Intersection converts one overlap row.
func (s Schema) Intersection(in timeline.Intersection) IntersectionRecord {
	key := make([]any, len(in.Key))
	for i, part := range in.Key {
		key[i] = keyValue(part)
	}
	return IntersectionRecord{
		Key:   key,
		RefID: in.RefID,
		SrcID: in.SrcID,
		Start: Position(in.Start, s.Axis),
		End:   Position(in.End, s.Axis),
	}
}

// NewDocument converts a result for output in the schema's shape.
func NewDocument(res *timeline.Result, s Schema) Document {
	doc := Document{
		Segments:   make([]SegmentRecord, len(res.Segments)),
		Dropped:    res.Dropped,
		Groups:     res.Groups,
		Components: res.Components,
	}
	for i, seg := range res.Segments {
		doc.Segments[i] = s.Segment(seg)
	}
	for _, in := range res.Intersections {
		doc.Intersections = append(doc.Intersections, s.Intersection(in))
	}
	return doc
}

// Write encodes res to w using the field names of s. CSV output holds
// segments only and can be read back with the same schema.
func Write(w io.Writer, f Format, res *timeline.Result, s Schema) error {
	if f == FormatCSV {
		return writeCSV(w, res, s)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewDocument(res, s)); err != nil {
		return fmt.Errorf("encode json result: %w", err)
	}
	return nil
}

func writeCSV(w io.Writer, res *timeline.Result, s Schema) error {
	keyWidth := 0
	fieldSet := make(map[string]bool)
	for _, seg := range res.Segments {
		keyWidth = max(keyWidth, len(seg.Key))
		for k := range seg.Payload {
			fieldSet[k] = true
		}
	}

	startField, endField := s.bounds()
	header := make([]string, 0, keyWidth+6+len(fieldSet))
	for i := 0; i < keyWidth; i++ {
		header = append(header, s.keyName(i))
	}
	header = append(header, startField, endField, FieldLowerOpen, FieldUpperOpen, FieldID, FieldIDs)
	for _, h := range header {
		delete(fieldSet, h)
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	header = append(header, fields...)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, seg := range res.Segments {
		row := make([]string, 0, len(header))
		for i := 0; i < keyWidth; i++ {
			part := ""
			if i < len(seg.Key) && seg.Key[i] != NullKey {
				part = seg.Key[i]
			}
			row = append(row, part)
		}
		ids := make([]string, len(seg.IDs))
		for i, id := range seg.IDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		row = append(row,
			cast.ToString(Position(seg.Start, s.Axis)),
			cast.ToString(Position(seg.End, s.Axis)),
			strconv.FormatBool(seg.LowerOpen),
			strconv.FormatBool(seg.UpperOpen),
			strconv.FormatInt(seg.ID, 10),
			strings.Join(ids, ";"),
		)
		for _, f := range fields {
			row = append(row, formatCell(seg.Payload[f]))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, len(x))
		for i, p := range x {
			parts[i] = cast.ToString(p)
		}
		return strings.Join(parts, ";")
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return cast.ToString(v)
}
