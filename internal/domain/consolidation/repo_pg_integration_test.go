//go:build integration

package consolidation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/timeline/internal/ingest"
	"github.com/ehr/timeline/internal/platform/db"
	"github.com/ehr/timeline/internal/platform/fanout"
	"github.com/ehr/timeline/internal/timeline"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/domain/consolidation/
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: url, MaxConns: 4}, zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, "../../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func TestRepoPG_RoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewRepo(pool)
	runner := fanout.New(fanout.Config{Workers: 2}, zerolog.Nop(), nil)
	svc := NewService(repo, runner, timeline.DefaultOptions(), zerolog.Nop())

	source := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM consolidation_run WHERE source = $1`, source)
		pool.Exec(context.Background(), `DELETE FROM interval_record WHERE source = $1`, source)
		pool.Exec(context.Background(), `DELETE FROM interval_source WHERE name = $1`, source)
	})

	schema := ingest.Schema{KeyFields: []string{"patient", "unit"}, StartField: "admit", EndField: "discharge", Axis: timeline.AxisInteger}
	if err := repo.SaveSource(ctx, source, schema); err != nil {
		t.Fatalf("save source: %v", err)
	}
	got, err := repo.GetSource(ctx, source)
	if err != nil || got.StartField != "admit" || len(got.KeyFields) != 2 || got.Axis != timeline.AxisInteger {
		t.Fatalf("unexpected source %+v, %v", got, err)
	}
	if _, err := repo.GetSource(ctx, source+"-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err := repo.ImportIntervals(ctx, source, []timeline.Interval{
		{Key: timeline.GroupKey{"p1", "icu"}, Start: 0, End: 10, Payload: map[string]any{"load": 2}},
		{Key: timeline.GroupKey{"p1", "icu"}, Start: 5, End: 15, Payload: map[string]any{"load": 3}},
		{Key: timeline.GroupKey{"p2", "ward"}, Start: 0, End: 4},
	})
	if err != nil || n != 3 {
		t.Fatalf("import: %d, %v", n, err)
	}

	loaded, err := repo.LoadIntervals(ctx, source)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 3 || loaded[0].Key.String() != "p1|icu" || loaded[0].Payload["load"] != int64(2) {
		t.Fatalf("unexpected intervals %+v", loaded)
	}

	req := RunRequest{
		Source:  source,
		MemoKey: source,
		Options: OptionsRequest{Axis: "int", Reducers: map[string]string{"load": "sum"}},
	}
	run, err := svc.StartRun(ctx, req)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.Status != StatusCompleted || run.Segments != 2 {
		t.Errorf("unexpected run %+v", run)
	}

	stored, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.FinishedAt == nil || stored.Options.Reducers["load"] != "sum" || stored.Schema.EndField != "discharge" {
		t.Errorf("unexpected stored run %+v", stored)
	}

	segs, total, err := repo.ListSegments(ctx, run.ID, 10, 0)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if total != 2 || segs[0].End != 15 || segs[0].Payload["load"] != int64(5) {
		t.Errorf("unexpected segments %+v", segs)
	}

	again, err := svc.StartRun(ctx, req)
	if err != nil || again.ID != run.ID {
		t.Errorf("expected memoized run %s, got %v / %v", run.ID, again, err)
	}

	rival := &Run{ID: uuid.New(), Source: source, Mode: timeline.ModeSimple, MemoKey: &req.MemoKey, Status: StatusRunning}
	if err := repo.CreateRun(ctx, rival); err != nil {
		t.Fatalf("create run: %v", err)
	}
	rival.Status = StatusCompleted
	if err := repo.FinishRun(ctx, rival); !errors.Is(err, ErrMemoTaken) {
		t.Errorf("expected ErrMemoTaken completing a duplicate memo key, got %v", err)
	}

	if _, err := repo.GetRun(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
