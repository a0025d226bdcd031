// Package fanout runs the timeline engine over many groups in parallel.
//
// Groups are split into chunks and each chunk is handled by one goroutine of
// a bounded errgroup. A failing group never cancels its neighbours: failures
// are collected and returned together once every chunk has finished.
package fanout

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/timeline/internal/platform/telemetry"
	"github.com/ehr/timeline/internal/timeline"
)

const defaultChunkSize = 64

// Config bounds the worker pool.
type Config struct {
	// Workers is the maximum number of concurrently processed chunks.
	// Zero means GOMAXPROCS.
	Workers int
	// ChunkSize is the number of groups handed to one worker at a time.
	ChunkSize int
}

// Runner processes partitioned intervals on a bounded worker pool.
type Runner struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.FanoutMetrics
}

// New creates a Runner. metrics may be nil.
func New(cfg Config, logger zerolog.Logger, metrics *telemetry.FanoutMetrics) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return &Runner{cfg: cfg, logger: logger, metrics: metrics}
}

// Outcome is the merged output of a fan-out. Groups holds every completed
// group in order of first appearance of its key.
type Outcome struct {
	Groups  []timeline.GroupResult
	Failed  []*timeline.GroupError
	Dropped int
}

// Result flattens the completed groups.
func (o *Outcome) Result() *timeline.Result {
	res := &timeline.Result{Dropped: o.Dropped}
	for _, g := range o.Groups {
		res.Add(g)
	}
	return res
}

// FailedKeys lists the keys of the groups that failed.
func (o *Outcome) FailedKeys() []string {
	keys := make([]string, len(o.Failed))
	for i, f := range o.Failed {
		keys[i] = f.Key.String()
	}
	return keys
}

// Err aggregates the group failures, or returns nil.
func (o *Outcome) Err() error {
	var merr *multierror.Error
	for _, f := range o.Failed {
		merr = multierror.Append(merr, f)
	}
	return merr.ErrorOrNil()
}

// Run sanitizes and partitions intervals and processes every group. The
// returned Outcome is never nil unless opts are invalid. The error is either
// the context error, when the run was cancelled before every chunk was
// scheduled, or the aggregated group failures.
func (r *Runner) Run(ctx context.Context, intervals []timeline.Interval, opts timeline.Options) (*Outcome, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	valid, dropped := timeline.Sanitize(intervals)
	groups := timeline.Partition(valid)

	results := make([]timeline.GroupResult, len(groups))
	errs := make([]error, len(groups))
	done := make([]bool, len(groups))

	eg := new(errgroup.Group)
	eg.SetLimit(r.cfg.Workers)

	var cancelled error
	for lo := 0; lo < len(groups); lo += r.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}
		lo := lo
		hi := min(lo+r.cfg.ChunkSize, len(groups))
		eg.Go(func() error {
			for i := lo; i < hi; i++ {
				if ctx.Err() != nil {
					return nil
				}
				results[i], errs[i] = r.process(groups[i], opts)
				done[i] = true
			}
			return nil
		})
	}
	_ = eg.Wait()
	if cancelled == nil {
		cancelled = ctx.Err()
	}

	out := &Outcome{Dropped: dropped}
	for i := range groups {
		if !done[i] {
			continue
		}
		if errs[i] != nil {
			out.Failed = append(out.Failed, asGroupError(groups[i].Key, errs[i]))
			continue
		}
		out.Groups = append(out.Groups, results[i])
	}

	if cancelled != nil {
		return out, cancelled
	}
	return out, out.Err()
}

// process runs one group and turns a panic into that group's error.
func (r *Runner) process(g timeline.Group, opts timeline.Options) (res timeline.GroupResult, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("group", g.Key.String()).
				Str("stack", string(debug.Stack())).
				Msgf("recovered from panic: %v", p)
			err = &timeline.GroupError{Key: g.Key, Err: fmt.Errorf("panic occurred: %v", p)}
		}
		r.metrics.ObserveGroup(string(opts.Mode), time.Since(start), err != nil)
	}()
	return timeline.ProcessGroup(g, opts)
}

func asGroupError(key timeline.GroupKey, err error) *timeline.GroupError {
	if ge, ok := err.(*timeline.GroupError); ok {
		return ge
	}
	return &timeline.GroupError{Key: key, Err: err}
}
