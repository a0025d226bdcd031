package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/timeline/internal/config"
	"github.com/ehr/timeline/internal/domain/consolidation"
	"github.com/ehr/timeline/internal/ingest"
	"github.com/ehr/timeline/internal/platform/db"
	"github.com/ehr/timeline/internal/platform/fanout"
	"github.com/ehr/timeline/internal/timeline"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "timeline-server",
		Short:        "Interval consolidation and timeline reconstruction service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(importCmd())
	root.AddCommand(runCmd())
	root.AddCommand(consolidateCmd())
	return root
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// setup loads configuration and a logger writing to stderr so that file-mode
// output on stdout stays clean.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg, os.Stderr), nil
}

func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg, os.Stdout))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	var dir string
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")

	migrator := func(ctx context.Context) (*db.Migrator, func(), error) {
		cfg, logger, err := setup()
		if err != nil {
			return nil, nil, err
		}
		pool, err := connect(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		return db.NewMigrator(pool, dir, logger), pool.Close, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := migrator(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, done, err := migrator(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})
	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// schemaFlags binds the column mapping shared by file-reading commands.
type schemaFlags struct {
	keys   []string
	start  string
	end    string
	format string
}

func (f *schemaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.keys, "key", []string{"key"}, "Key column(s), repeatable or comma separated")
	cmd.Flags().StringVar(&f.start, "start", "start", "Start column")
	cmd.Flags().StringVar(&f.end, "end", "end", "End column")
	cmd.Flags().StringVar(&f.format, "format", "", "Input format: json or csv (default from file extension)")
}

func (f *schemaFlags) schema(axis timeline.Axis) ingest.Schema {
	return ingest.Schema{KeyFields: f.keys, StartField: f.start, EndField: f.end, Axis: axis}
}

// optionFlags binds engine options onto the same request type the HTTP API
// accepts.
type optionFlags struct {
	req          consolidation.OptionsRequest
	gap          string
	granularity  string
	maxLen       string
	connectivity bool
}

func (f *optionFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.req.Mode, "mode", "", "simple, priority or precise")
	fs.StringVar(&f.req.Axis, "axis", "", "datetime or int (default datetime)")
	fs.StringVar(&f.gap, "gap", "", "Gap tolerance in axis units, or a duration such as 15m on the datetime axis")
	fs.StringVar(&f.granularity, "granularity", "", "Priority granularity in axis units or as a duration")
	fs.StringVar(&f.maxLen, "max-len", "", "Cap interval length for priority resolution")
	fs.StringVar(&f.req.Snap, "snap", "", "Widen bounds to whole day, hour, minute or second before grouping")
	fs.BoolVar(&f.req.Discretize, "discretize", false, "Use tick-based priority resolution")
	fs.StringVar(&f.req.PriorityField, "priority-field", "", "Payload field holding the priority")
	fs.StringVar(&f.req.Resolution, "resolution", "", "day, hour, minute, second or none")
	fs.BoolVar(&f.connectivity, "connectivity-only", false, "Precise mode: one summary per component")
	fs.BoolVar(&f.req.KeepIntersections, "keep-intersections", false, "Precise mode: return the pairwise overlap table")
	fs.StringToStringVar(&f.req.Reducers, "reduce", nil, "Payload reducers, e.g. --reduce load=sum,unit=first")
}

// request returns the options request, keeping flags the user did not set at
// their server defaults.
func (f *optionFlags) request(cmd *cobra.Command) consolidation.OptionsRequest {
	req := f.req
	lengths := []struct {
		flag string
		val  string
		dst  **timeline.Length
	}{
		{"gap", f.gap, &req.GapTolerance},
		{"granularity", f.granularity, &req.Granularity},
		{"max-len", f.maxLen, &req.MaxLen},
	}
	for _, l := range lengths {
		if cmd.Flags().Changed(l.flag) {
			v := timeline.Length(l.val)
			*l.dst = &v
		}
	}
	if f.connectivity {
		no := false
		req.ComputeIntersections = &no
	}
	return req
}

func formatFor(flag, path string) (ingest.Format, error) {
	if flag == "" && strings.HasSuffix(strings.ToLower(path), ".csv") {
		return ingest.FormatCSV, nil
	}
	return ingest.ParseFormat(flag)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func importCmd() *cobra.Command {
	var (
		source string
		in     string
		axis   string
		sf     schemaFlags
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load interval records from a file into a named source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ax, err := timeline.ParseAxis(axis)
			if err != nil {
				return err
			}
			f, err := formatFor(sf.format, in)
			if err != nil {
				return err
			}
			r, err := openInput(in)
			if err != nil {
				return err
			}
			defer r.Close()

			batch, err := ingest.Read(r, f, sf.schema(ax))
			if err != nil {
				return err
			}

			pool, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := newService(cfg, logger, consolidation.NewRepo(pool), nil)
			if err != nil {
				return err
			}
			res, err := svc.ImportBatch(cmd.Context(), source, sf.schema(ax), batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d record(s) into %q, skipped %d.\n", res.Imported, res.Source, res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Source name")
	cmd.Flags().StringVar(&in, "in", "-", "Input file, - for stdin")
	cmd.Flags().StringVar(&axis, "axis", "", "datetime or int (default datetime)")
	sf.register(cmd)
	cmd.MarkFlagRequired("source")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		source  string
		memoKey string
		of      optionFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consolidate a stored source and persist the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := newService(cfg, logger, consolidation.NewRepo(pool), nil)
			if err != nil {
				return err
			}
			run, err := svc.StartRun(cmd.Context(), consolidation.RunRequest{
				Source:  source,
				Options: of.request(cmd),
				MemoKey: memoKey,
			})
			if run != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s %s: %d group(s), %d segment(s), %d dropped.\n",
					run.ID, run.Status, run.Groups, run.Segments, run.Dropped)
				if len(run.FailedKeys) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Failed groups: %s\n", strings.Join(run.FailedKeys, ", "))
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Source name")
	cmd.Flags().StringVar(&memoKey, "memo-key", "", "Reuse a completed run with this key")
	of.register(cmd)
	cmd.MarkFlagRequired("source")
	return cmd
}

// consolidateParams is the file-mode invocation.
type consolidateParams struct {
	inFormat  ingest.Format
	outFormat ingest.Format
	schema    schemaFlags
	options   consolidation.OptionsRequest
}

func consolidateCmd() *cobra.Command {
	var (
		in, out   string
		outFormat string
		sf        schemaFlags
		of        optionFlags
	)
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Consolidate a JSON or CSV file without a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			inF, err := formatFor(sf.format, in)
			if err != nil {
				return err
			}
			outF, err := formatFor(outFormat, out)
			if err != nil {
				return err
			}

			r, err := openInput(in)
			if err != nil {
				return err
			}
			defer r.Close()

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			runner, defaults, err := engine(cfg, logger, nil)
			if err != nil {
				return err
			}
			p := consolidateParams{inFormat: inF, outFormat: outF, schema: sf, options: of.request(cmd)}
			return consolidateFile(cmd.Context(), runner, defaults, logger, r, w, p)
		},
	}
	cmd.Flags().StringVar(&in, "in", "-", "Input file, - for stdin")
	cmd.Flags().StringVar(&out, "out", "-", "Output file, - for stdout")
	cmd.Flags().StringVar(&outFormat, "out-format", "", "Output format: json or csv (default from file extension)")
	sf.register(cmd)
	of.register(cmd)
	return cmd
}

// consolidateFile reads records from r, runs the engine and writes the result
// to w. Completed groups are written even when others fail.
func consolidateFile(ctx context.Context, runner *fanout.Runner, defaults timeline.Options, logger zerolog.Logger, r io.Reader, w io.Writer, p consolidateParams) error {
	opts, err := p.options.Apply(defaults)
	if err != nil {
		return err
	}
	batch, err := ingest.Read(r, p.inFormat, p.schema.schema(opts.Axis))
	if err != nil {
		return err
	}
	if batch.Skipped > 0 {
		logger.Warn().Int("skipped", batch.Skipped).Msg("records without usable bounds were skipped")
	}

	outcome, runErr := runner.Run(ctx, batch.Intervals, opts)
	if outcome == nil {
		return runErr
	}
	if outcome.Dropped > 0 {
		logger.Warn().Int("dropped", outcome.Dropped).Msg("intervals ending before they start were dropped")
	}
	if err := ingest.Write(w, p.outFormat, outcome.Result(), p.schema.schema(opts.Axis)); err != nil {
		return err
	}
	if runErr != nil {
		for _, f := range outcome.Failed {
			logger.Error().Err(f.Err).Str("group", f.Key.String()).Msg("group failed")
		}
	}
	return runErr
}
