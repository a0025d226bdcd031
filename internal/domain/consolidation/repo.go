package consolidation

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/timeline/internal/ingest"
	"github.com/ehr/timeline/internal/timeline"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrMemoTaken reports that another run completed under the same memo
	// key first.
	ErrMemoTaken = errors.New("memo key already completed")
)

// Repository stores sources, runs and their output.
type Repository interface {
	// WithTx runs fn in a transaction that every other method joins.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// SaveSource records the field mapping a source was imported with.
	SaveSource(ctx context.Context, name string, schema ingest.Schema) error
	GetSource(ctx context.Context, name string) (ingest.Schema, error)
	ImportIntervals(ctx context.Context, source string, intervals []timeline.Interval) (int64, error)
	LoadIntervals(ctx context.Context, source string) ([]timeline.Interval, error)

	CreateRun(ctx context.Context, run *Run) error
	// FinishRun stores the run's final state. It returns ErrMemoTaken when
	// completing the run would duplicate a completed memo key.
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	// FindCompleted returns the completed run holding memoKey.
	FindCompleted(ctx context.Context, memoKey string) (*Run, error)
	ListRuns(ctx context.Context, source string, limit, offset int) ([]*Run, int, error)

	SaveSegments(ctx context.Context, runID uuid.UUID, segments []timeline.Segment) (int64, error)
	SaveIntersections(ctx context.Context, runID uuid.UUID, rows []timeline.Intersection) (int64, error)
	ListSegments(ctx context.Context, runID uuid.UUID, limit, offset int) ([]timeline.Segment, int, error)
	ListIntersections(ctx context.Context, runID uuid.UUID, limit, offset int) ([]timeline.Intersection, int, error)
}
