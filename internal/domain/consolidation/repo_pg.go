package consolidation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/timeline/internal/ingest"
	"github.com/ehr/timeline/internal/platform/db"
	"github.com/ehr/timeline/internal/timeline"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

func (r *repoPG) SaveSource(ctx context.Context, name string, schema ingest.Schema) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO interval_source (name, key_fields, start_field, end_field, axis)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET key_fields = EXCLUDED.key_fields,
			start_field = EXCLUDED.start_field, end_field = EXCLUDED.end_field,
			axis = EXCLUDED.axis, updated_at = NOW()`,
		name, schema.KeyFields, schema.StartField, schema.EndField, schema.Axis)
	if err != nil {
		return fmt.Errorf("save source %q: %w", name, err)
	}
	return nil
}

func (r *repoPG) GetSource(ctx context.Context, name string) (ingest.Schema, error) {
	var s ingest.Schema
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT key_fields, start_field, end_field, axis FROM interval_source WHERE name = $1`, name,
	).Scan(&s.KeyFields, &s.StartField, &s.EndField, &s.Axis)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Schema{}, ErrNotFound
	}
	return s, err
}

func (r *repoPG) ImportIntervals(ctx context.Context, source string, intervals []timeline.Interval) (int64, error) {
	n, err := r.conn(ctx).CopyFrom(ctx,
		pgx.Identifier{"interval_record"},
		[]string{"source", "group_key", "start_pos", "end_pos", "payload"},
		pgx.CopyFromSlice(len(intervals), func(i int) ([]any, error) {
			iv := intervals[i]
			return []any{source, []string(iv.Key), iv.Start, iv.End, iv.Payload}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy intervals: %w", err)
	}
	return n, nil
}

func (r *repoPG) LoadIntervals(ctx context.Context, source string) ([]timeline.Interval, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, group_key, start_pos, end_pos, payload
		FROM interval_record WHERE source = $1 ORDER BY id`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []timeline.Interval
	for rows.Next() {
		var iv timeline.Interval
		var key []string
		if err := rows.Scan(&iv.ID, &key, &iv.Start, &iv.End, &iv.Payload); err != nil {
			return nil, err
		}
		iv.Key = key
		ingest.NormalizeNumbers(iv.Payload)
		out = append(out, iv)
	}
	return out, rows.Err()
}

const runCols = `id, source, mode, options, schema, memo_key, status, failed_keys,
	dropped, groups, components, segments, error, created_at, finished_at`

// uniqueViolation is the SQLSTATE of a unique index conflict.
const uniqueViolation = "23505"

func (r *repoPG) CreateRun(ctx context.Context, run *Run) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consolidation_run (id, source, mode, options, schema, memo_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		run.ID, run.Source, run.Mode, run.Options, run.Schema, run.MemoKey, run.Status,
	).Scan(&run.CreatedAt)
}

func (r *repoPG) FinishRun(ctx context.Context, run *Run) error {
	failed := run.FailedKeys
	if failed == nil {
		failed = []string{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE consolidation_run SET status = $2, failed_keys = $3, dropped = $4,
			groups = $5, components = $6, segments = $7, error = $8, finished_at = NOW()
		WHERE id = $1
		RETURNING finished_at`,
		run.ID, run.Status, failed, run.Dropped,
		run.Groups, run.Components, run.Segments, run.Error,
	).Scan(&run.FinishedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrMemoTaken, pgErr.ConstraintName)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM consolidation_run WHERE id = $1`, id))
}

func (r *repoPG) FindCompleted(ctx context.Context, memoKey string) (*Run, error) {
	return scanRun(r.conn(ctx).QueryRow(ctx, `
		SELECT `+runCols+` FROM consolidation_run
		WHERE memo_key = $1 AND status = 'completed'`, memoKey))
}

func (r *repoPG) ListRuns(ctx context.Context, source string, limit, offset int) ([]*Run, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM consolidation_run WHERE $1 = '' OR source = $1`, source).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+runCols+` FROM consolidation_run
		WHERE $1 = '' OR source = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, source, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (r *repoPG) SaveSegments(ctx context.Context, runID uuid.UUID, segments []timeline.Segment) (int64, error) {
	n, err := r.conn(ctx).CopyFrom(ctx,
		pgx.Identifier{"consolidated_segment"},
		[]string{"run_id", "seq", "group_key", "start_pos", "end_pos", "lower_open", "upper_open", "interval_id", "ids", "payload"},
		pgx.CopyFromSlice(len(segments), func(i int) ([]any, error) {
			s := segments[i]
			return []any{runID, i, []string(s.Key), s.Start, s.End, s.LowerOpen, s.UpperOpen, s.ID, s.IDs, s.Payload}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy segments: %w", err)
	}
	return n, nil
}

func (r *repoPG) SaveIntersections(ctx context.Context, runID uuid.UUID, rows []timeline.Intersection) (int64, error) {
	n, err := r.conn(ctx).CopyFrom(ctx,
		pgx.Identifier{"segment_intersection"},
		[]string{"run_id", "seq", "group_key", "ref_id", "src_id", "start_pos", "end_pos"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			in := rows[i]
			return []any{runID, i, []string(in.Key), in.RefID, in.SrcID, in.Start, in.End}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy intersections: %w", err)
	}
	return n, nil
}

func (r *repoPG) ListSegments(ctx context.Context, runID uuid.UUID, limit, offset int) ([]timeline.Segment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM consolidated_segment WHERE run_id = $1`, runID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT group_key, start_pos, end_pos, lower_open, upper_open, interval_id, ids, payload
		FROM consolidated_segment WHERE run_id = $1
		ORDER BY seq LIMIT $2 OFFSET $3`, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []timeline.Segment
	for rows.Next() {
		var s timeline.Segment
		var key []string
		if err := rows.Scan(&key, &s.Start, &s.End, &s.LowerOpen, &s.UpperOpen, &s.ID, &s.IDs, &s.Payload); err != nil {
			return nil, 0, err
		}
		s.Key = key
		ingest.NormalizeNumbers(s.Payload)
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *repoPG) ListIntersections(ctx context.Context, runID uuid.UUID, limit, offset int) ([]timeline.Intersection, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM segment_intersection WHERE run_id = $1`, runID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT group_key, ref_id, src_id, start_pos, end_pos
		FROM segment_intersection WHERE run_id = $1
		ORDER BY seq LIMIT $2 OFFSET $3`, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []timeline.Intersection
	for rows.Next() {
		var in timeline.Intersection
		var key []string
		if err := rows.Scan(&key, &in.RefID, &in.SrcID, &in.Start, &in.End); err != nil {
			return nil, 0, err
		}
		in.Key = key
		out = append(out, in)
	}
	return out, total, rows.Err()
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.Source, &run.Mode, &run.Options, &run.Schema, &run.MemoKey, &run.Status,
		&run.FailedKeys, &run.Dropped, &run.Groups, &run.Components, &run.Segments,
		&run.Error, &run.CreatedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
