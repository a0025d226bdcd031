package consolidation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/timeline/internal/ingest"
	"github.com/ehr/timeline/internal/timeline"
)

// RunStatus is the lifecycle state of a stored run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Run is one consolidation of a stored source.
type Run struct {
	ID         uuid.UUID      `json:"id"`
	Source     string         `json:"source"`
	Mode       timeline.Mode  `json:"mode"`
	Options    OptionsRequest `json:"options"`
	Schema     ingest.Schema  `json:"schema"`
	MemoKey    *string        `json:"memo_key,omitempty"`
	Status     RunStatus      `json:"status"`
	FailedKeys []string       `json:"failed_keys,omitempty"`
	Dropped    int            `json:"dropped"`
	Groups     int            `json:"groups"`
	Components int            `json:"components"`
	Segments   int            `json:"segments"`
	Error      *string        `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// OptionsRequest is the wire form of timeline.Options. Zero fields fall back
// to the server defaults.
type OptionsRequest struct {
	Mode          string `json:"mode,omitempty"`
	Axis          string `json:"axis,omitempty"`
	// Lengths are axis units, or durations such as "1h" on the datetime axis.
	GapTolerance  *timeline.Length `json:"gap_tolerance,omitempty"`
	Granularity   *timeline.Length `json:"granularity,omitempty"`
	Discretize    bool             `json:"discretize,omitempty"`
	MaxLen        *timeline.Length `json:"max_len,omitempty"`
	PriorityField string           `json:"priority_field,omitempty"`
	Resolution    string           `json:"resolution,omitempty"`
	// Snap widens bounds to whole hours, days, minutes or seconds before
	// grouping.
	Snap string `json:"snap,omitempty"`
	// ComputeIntersections defaults to true. False collapses precise
	// components into one summary segment each.
	ComputeIntersections *bool             `json:"compute_intersections,omitempty"`
	KeepIntersections    bool              `json:"keep_intersections,omitempty"`
	Reducers             map[string]string `json:"reducers,omitempty"`
}

// Apply overlays the request on defaults and validates the result.
func (o OptionsRequest) Apply(defaults timeline.Options) (timeline.Options, error) {
	opts := defaults
	if o.Mode != "" {
		m, err := timeline.ParseMode(o.Mode)
		if err != nil {
			return timeline.Options{}, err
		}
		opts.Mode = m
	}
	if o.Axis != "" {
		a, err := timeline.ParseAxis(o.Axis)
		if err != nil {
			return timeline.Options{}, err
		}
		opts.Axis = a
		if defaults.Axis != a {
			// default lengths are in the other axis' units
			opts.GapTolerance, opts.Granularity, opts.MaxLen = 0, 0, 0
			opts.Snap = timeline.ResolutionNone
		}
	}
	lengths := []struct {
		name string
		val  *timeline.Length
		dst  *int64
	}{
		{"gap_tolerance", o.GapTolerance, &opts.GapTolerance},
		{"granularity", o.Granularity, &opts.Granularity},
		{"max_len", o.MaxLen, &opts.MaxLen},
	}
	for _, l := range lengths {
		if l.val == nil {
			continue
		}
		n, err := l.val.Resolve(opts.Axis)
		if err != nil {
			return timeline.Options{}, fmt.Errorf("%s: %w", l.name, err)
		}
		*l.dst = n
	}
	if o.Snap != "" {
		r, err := timeline.ParseResolution(o.Snap)
		if err != nil {
			return timeline.Options{}, err
		}
		opts.Snap = r
	}
	if o.PriorityField != "" {
		opts.PriorityField = o.PriorityField
	}
	if o.Resolution != "" {
		r, err := timeline.ParseResolution(o.Resolution)
		if err != nil {
			return timeline.Options{}, err
		}
		opts.Resolution = r
	}
	opts.Discretize = o.Discretize
	opts.ConnectivityOnly = o.ComputeIntersections != nil && !*o.ComputeIntersections
	opts.KeepIntersections = o.KeepIntersections

	if len(o.Reducers) > 0 {
		opts.Reducers = make(map[string]timeline.Reducer, len(o.Reducers))
		for field, name := range o.Reducers {
			r, err := timeline.ParseReducer(name)
			if err != nil {
				return timeline.Options{}, err
			}
			opts.Reducers[field] = r
		}
	}
	if err := opts.Validate(); err != nil {
		return timeline.Options{}, err
	}
	return opts, nil
}

// ConsolidateRequest carries inline records for a synchronous consolidation.
// Intervals is a JSON array of objects decoded with the same rules as file
// input.
type ConsolidateRequest struct {
	KeyFields  []string        `json:"key_fields"`
	StartField string          `json:"start_field,omitempty"`
	EndField   string          `json:"end_field,omitempty"`
	Options    OptionsRequest  `json:"options"`
	Intervals  json.RawMessage `json:"intervals"`
}

// ConsolidateResponse is the synchronous result. Skipped counts records
// without a usable start or end; Dropped counts intervals with End < Start.
type ConsolidateResponse struct {
	ingest.Document
	Skipped    int      `json:"skipped"`
	FailedKeys []string `json:"failed_keys,omitempty"`
}

// RunRequest starts a consolidation of a stored source.
type RunRequest struct {
	Source  string         `json:"source"`
	Options OptionsRequest `json:"options"`
	MemoKey string         `json:"memo_key,omitempty"`
}

// ImportRequest stores records under a source name for later runs.
type ImportRequest struct {
	KeyFields  []string        `json:"key_fields"`
	StartField string          `json:"start_field,omitempty"`
	EndField   string          `json:"end_field,omitempty"`
	Axis       string          `json:"axis,omitempty"`
	Records    json.RawMessage `json:"records"`
}

// ImportResult reports how many records were stored.
type ImportResult struct {
	Source   string `json:"source"`
	Imported int64  `json:"imported"`
	Skipped  int    `json:"skipped"`
}
