package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/timeline/internal/platform/telemetry"
	"github.com/ehr/timeline/internal/timeline"
)

func interval(id int64, key string, start, end int64, payload map[string]any) timeline.Interval {
	return timeline.Interval{ID: id, Key: timeline.GroupKey{key}, Start: start, End: end, Payload: payload}
}

func intOptions(mode timeline.Mode) timeline.Options {
	return timeline.Options{Mode: mode, Axis: timeline.AxisInteger}
}

func manyGroups(n int) []timeline.Interval {
	var out []timeline.Interval
	for g := 0; g < n; g++ {
		key := fmt.Sprintf("p%03d", g)
		out = append(out,
			interval(int64(2*g), key, 0, 10, nil),
			interval(int64(2*g+1), key, 5, 20, nil),
		)
	}
	return out
}

func TestRun_MatchesSequentialEngine(t *testing.T) {
	input := manyGroups(50)
	r := New(Config{Workers: 4, ChunkSize: 7}, zerolog.Nop(), nil)

	out, err := r.Run(context.Background(), input, intOptions(timeline.ModeSimple))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, err := timeline.Run(input, intOptions(timeline.ModeSimple))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := out.Result()
	if got.Groups != want.Groups || len(got.Segments) != len(want.Segments) {
		t.Fatalf("expected %d groups / %d segments, got %d / %d",
			want.Groups, len(want.Segments), got.Groups, len(got.Segments))
	}
	for i := range want.Segments {
		if !got.Segments[i].Key.Equal(want.Segments[i].Key) ||
			got.Segments[i].Start != want.Segments[i].Start ||
			got.Segments[i].End != want.Segments[i].End {
			t.Errorf("segment %d: expected %+v, got %+v", i, want.Segments[i], got.Segments[i])
		}
	}
}

func TestRun_FailuresDoNotCancelOtherGroups(t *testing.T) {
	input := []timeline.Interval{
		interval(0, "ok1", 0, 10, map[string]any{"unit": 1}),
		interval(1, "ok1", 5, 15, map[string]any{"unit": 2}),
		interval(2, "bad", 0, 10, map[string]any{"unit": "icu"}),
		interval(3, "bad", 5, 15, map[string]any{"unit": "ward"}),
		interval(4, "ok2", 0, 10, map[string]any{"unit": 3}),
		interval(5, "ok2", 5, 15, map[string]any{"unit": 4}),
	}
	opts := intOptions(timeline.ModeSimple)
	opts.Reducers = map[string]timeline.Reducer{"unit": timeline.Reduce(timeline.ReduceSum)}

	r := New(Config{Workers: 2, ChunkSize: 1}, zerolog.Nop(), nil)
	out, err := r.Run(context.Background(), input, opts)
	if err == nil {
		t.Fatal("expected aggregated error")
	}

	var merr *multierror.Error
	if !errors.As(err, &merr) || len(merr.Errors) != 1 {
		t.Fatalf("expected one aggregated failure, got %v", err)
	}
	var re *timeline.ReductionError
	if !errors.As(merr.Errors[0], &re) {
		t.Errorf("expected reduction error in chain, got %v", merr.Errors[0])
	}

	if len(out.Groups) != 2 {
		t.Fatalf("expected 2 completed groups, got %d", len(out.Groups))
	}
	if out.Groups[0].Key.String() != "ok1" || out.Groups[1].Key.String() != "ok2" {
		t.Errorf("expected groups in key order, got %s, %s", out.Groups[0].Key, out.Groups[1].Key)
	}
	if keys := out.FailedKeys(); len(keys) != 1 || keys[0] != "bad" {
		t.Errorf("expected failed key bad, got %v", keys)
	}
	if s := out.Groups[1].Segments[0].Payload["unit"]; s != int64(7) {
		t.Errorf("expected summed payload 7, got %v", s)
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	input := []timeline.Interval{
		interval(0, "p1", 0, 10, map[string]any{"note": "a"}),
		interval(1, "p1", 5, 15, map[string]any{"note": "b"}),
		interval(2, "p2", 0, 10, nil),
	}
	opts := intOptions(timeline.ModeSimple)
	opts.Reducers = map[string]timeline.Reducer{
		"note": timeline.Custom(func([]any) (any, error) { panic("boom") }),
	}

	r := New(Config{Workers: 1}, zerolog.Nop(), nil)
	out, err := r.Run(context.Background(), input, opts)
	if err == nil || !strings.Contains(err.Error(), "panic occurred: boom") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
	if len(out.Failed) != 1 || out.Failed[0].Key.String() != "p1" {
		t.Errorf("expected p1 to fail, got %+v", out.Failed)
	}
	if len(out.Groups) != 1 || out.Groups[0].Key.String() != "p2" {
		t.Errorf("expected p2 to complete, got %+v", out.Groups)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(Config{Workers: 2, ChunkSize: 3}, zerolog.Nop(), nil)
	out, err := r.Run(ctx, manyGroups(10), intOptions(timeline.ModeSimple))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(out.Groups) != 0 {
		t.Errorf("expected no groups processed, got %d", len(out.Groups))
	}
}

func TestRun_InvalidOptions(t *testing.T) {
	r := New(Config{}, zerolog.Nop(), nil)
	opts := intOptions(timeline.ModeSimple)
	opts.GapTolerance = -1
	out, err := r.Run(context.Background(), manyGroups(1), opts)
	if !errors.Is(err, timeline.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
	if out != nil {
		t.Errorf("expected nil outcome, got %+v", out)
	}
}

func TestRun_CountsDropped(t *testing.T) {
	input := append(manyGroups(2), interval(99, "p000", 10, 5, nil))
	r := New(Config{}, zerolog.Nop(), nil)
	out, err := r.Run(context.Background(), input, intOptions(timeline.ModePrecise))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Dropped != 1 || out.Result().Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", out.Dropped)
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewFanoutMetrics(reg)
	r := New(Config{Workers: 3, ChunkSize: 2}, zerolog.Nop(), m)

	if _, err := r.Run(context.Background(), manyGroups(5), intOptions(timeline.ModePriority)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `
# HELP timeline_groups_processed_total Groups processed by the fan-out, by mode
# TYPE timeline_groups_processed_total counter
timeline_groups_processed_total{mode="priority"} 5
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "timeline_groups_processed_total"); err != nil {
		t.Error(err)
	}
}
