package consolidation

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/timeline/internal/ingest"
	"github.com/ehr/timeline/internal/platform/fanout"
	"github.com/ehr/timeline/internal/timeline"
)

type Service struct {
	repo     Repository
	runner   *fanout.Runner
	defaults timeline.Options
	logger   zerolog.Logger
}

func NewService(repo Repository, runner *fanout.Runner, defaults timeline.Options, logger zerolog.Logger) *Service {
	return &Service{repo: repo, runner: runner, defaults: defaults, logger: logger}
}

// Consolidate runs the engine on inline records without touching storage.
// When some groups fail the response still carries every completed group and
// the error lists the failures.
func (s *Service) Consolidate(ctx context.Context, req ConsolidateRequest) (*ConsolidateResponse, error) {
	opts, err := req.Options.Apply(s.defaults)
	if err != nil {
		return nil, err
	}
	schema := ingest.Schema{
		KeyFields:  req.KeyFields,
		StartField: req.StartField,
		EndField:   req.EndField,
		Axis:       opts.Axis,
	}
	if len(req.Intervals) == 0 {
		return nil, fmt.Errorf("%w: intervals are required", ingest.ErrSchema)
	}
	batch, err := ingest.Read(bytes.NewReader(req.Intervals), ingest.FormatJSON, schema)
	if err != nil {
		return nil, err
	}

	out, err := s.runner.Run(ctx, batch.Intervals, opts)
	if out == nil {
		return nil, err
	}
	s.warnDropped(batch.Skipped, out.Dropped, "inline")

	resp := &ConsolidateResponse{
		Document:   ingest.NewDocument(out.Result(), schema),
		Skipped:    batch.Skipped,
		FailedKeys: failedKeys(out),
	}
	return resp, err
}

// Import decodes records and stores them under source.
func (s *Service) Import(ctx context.Context, source string, req ImportRequest) (*ImportResult, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: source is required", ingest.ErrSchema)
	}
	schema := ingest.Schema{
		KeyFields:  req.KeyFields,
		StartField: req.StartField,
		EndField:   req.EndField,
		Axis:       timeline.Axis(req.Axis),
	}
	batch, err := ingest.Read(bytes.NewReader(req.Records), ingest.FormatJSON, schema)
	if err != nil {
		return nil, err
	}
	return s.ImportBatch(ctx, source, schema, batch)
}

// ImportBatch stores an already decoded batch under source. Runs of the
// source render their output with schema's field names.
func (s *Service) ImportBatch(ctx context.Context, source string, schema ingest.Schema, batch *ingest.Batch) (*ImportResult, error) {
	schema, err := schema.Normalize()
	if err != nil {
		return nil, err
	}
	var n int64
	err = s.repo.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repo.SaveSource(ctx, source, schema); err != nil {
			return err
		}
		var err error
		n, err = s.repo.ImportIntervals(ctx, source, batch.Intervals)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("import intervals: %w", err)
	}
	if batch.Skipped > 0 {
		s.logger.Warn().Str("source", source).Int("skipped", batch.Skipped).Msg("records without usable bounds were not imported")
	}
	return &ImportResult{Source: source, Imported: n, Skipped: batch.Skipped}, nil
}

// StartRun consolidates a stored source and persists the output. A completed
// run with the same memo key is returned without recomputing. Runs whose
// groups partly failed are stored as failed with the failing keys; the
// completed groups' segments are kept and the returned error wraps the
// failures. When the output cannot be saved the run is marked failed.
func (s *Service) StartRun(ctx context.Context, req RunRequest) (*Run, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ingest.ErrSchema)
	}
	schema, err := s.repo.GetSource(ctx, req.Source)
	switch {
	case errors.Is(err, ErrNotFound):
		schema = ingest.DefaultSchema()
	case err != nil:
		return nil, fmt.Errorf("load source %q: %w", req.Source, err)
	case req.Options.Axis == "":
		req.Options.Axis = string(schema.Axis)
	}
	opts, err := req.Options.Apply(s.defaults)
	if err != nil {
		return nil, err
	}
	schema.Axis = opts.Axis

	if req.MemoKey != "" {
		prev, err := s.repo.FindCompleted(ctx, req.MemoKey)
		if err == nil {
			s.logger.Debug().Str("memo_key", req.MemoKey).Str("run_id", prev.ID.String()).Msg("reusing completed run")
			return prev, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("lookup memo key: %w", err)
		}
	}

	intervals, err := s.repo.LoadIntervals(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("load source %q: %w", req.Source, err)
	}

	run := &Run{
		ID:      uuid.New(),
		Source:  req.Source,
		Mode:    opts.Mode,
		Options: req.Options,
		Schema:  schema,
		Status:  StatusRunning,
	}
	if req.MemoKey != "" {
		run.MemoKey = &req.MemoKey
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	out, runErr := s.runner.Run(ctx, intervals, opts)
	if out == nil {
		return nil, runErr
	}
	s.warnDropped(0, out.Dropped, req.Source)

	res := out.Result()
	run.Dropped = res.Dropped
	run.Groups = res.Groups
	run.Components = res.Components
	run.Segments = len(res.Segments)
	run.FailedKeys = failedKeys(out)
	run.Status = StatusCompleted
	if runErr != nil {
		run.Status = StatusFailed
		msg := runErr.Error()
		run.Error = &msg
	}

	// A cancelled request still records what finished.
	saveCtx := context.WithoutCancel(ctx)
	err = s.repo.WithTx(saveCtx, func(ctx context.Context) error {
		if _, err := s.repo.SaveSegments(ctx, run.ID, res.Segments); err != nil {
			return err
		}
		if len(res.Intersections) > 0 {
			if _, err := s.repo.SaveIntersections(ctx, run.ID, res.Intersections); err != nil {
				return err
			}
		}
		return s.repo.FinishRun(ctx, run)
	})
	if err != nil {
		return s.abandonRun(saveCtx, run, err)
	}

	s.logger.Info().
		Str("run_id", run.ID.String()).
		Str("source", run.Source).
		Str("mode", string(run.Mode)).
		Str("status", string(run.Status)).
		Int("groups", run.Groups).
		Int("segments", run.Segments).
		Msg("consolidation run finished")
	return run, runErr
}

// abandonRun records a run whose output could not be saved. The save
// transaction is gone, so the failure is written in its own statement. When
// another run completed the same memo key first, that run is returned.
func (s *Service) abandonRun(ctx context.Context, run *Run, saveErr error) (*Run, error) {
	msg := "persist output: " + saveErr.Error()
	run.Status = StatusFailed
	run.Error = &msg
	if err := s.repo.FinishRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID.String()).Msg("failed to mark run failed")
	}

	if errors.Is(saveErr, ErrMemoTaken) && run.MemoKey != nil {
		prev, err := s.repo.FindCompleted(ctx, *run.MemoKey)
		if err == nil {
			s.logger.Info().
				Str("run_id", run.ID.String()).
				Str("memo_key", *run.MemoKey).
				Str("completed_run_id", prev.ID.String()).
				Msg("memo key completed concurrently, returning the completed run")
			return prev, nil
		}
		s.logger.Error().Err(err).Str("memo_key", *run.MemoKey).Msg("completed run vanished")
	}
	return nil, fmt.Errorf("persist run %s: %w", run.ID, saveErr)
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.repo.GetRun(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, source string, limit, offset int) ([]*Run, int, error) {
	return s.repo.ListRuns(ctx, source, limit, offset)
}

// ListSegments returns a page of a run's segments in external form.
func (s *Service) ListSegments(ctx context.Context, id uuid.UUID, limit, offset int) ([]ingest.SegmentRecord, int, error) {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	segs, total, err := s.repo.ListSegments(ctx, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	schema := s.schemaOf(run)
	out := make([]ingest.SegmentRecord, len(segs))
	for i, seg := range segs {
		out[i] = schema.Segment(seg)
	}
	return out, total, nil
}

func (s *Service) ListIntersections(ctx context.Context, id uuid.UUID, limit, offset int) ([]ingest.IntersectionRecord, int, error) {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	rows, total, err := s.repo.ListIntersections(ctx, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	schema := s.schemaOf(run)
	out := make([]ingest.IntersectionRecord, len(rows))
	for i, in := range rows {
		out[i] = schema.Intersection(in)
	}
	return out, total, nil
}

// schemaOf is the output shape of run. Runs stored before sources kept
// their schema render with the default field names.
func (s *Service) schemaOf(run *Run) ingest.Schema {
	schema := run.Schema
	if len(schema.KeyFields) == 0 {
		schema = ingest.DefaultSchema()
		schema.Axis = s.defaults.Axis
		if run.Options.Axis != "" {
			schema.Axis = timeline.Axis(run.Options.Axis)
		}
	}
	return schema
}

func (s *Service) warnDropped(skipped, dropped int, source string) {
	if skipped == 0 && dropped == 0 {
		return
	}
	s.logger.Warn().
		Str("source", source).
		Int("skipped", skipped).
		Int("dropped", dropped).
		Msg("malformed intervals were excluded")
}

func failedKeys(out *fanout.Outcome) []string {
	if len(out.Failed) == 0 {
		return nil
	}
	return out.FailedKeys()
}
