package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/dcsobral/customer-tools/pkg/config"
	"github.com/dcsobral/customer-tools/pkg/decode"
	"github.com/dcsobral/customer-tools/pkg/extract"
	"github.com/dcsobral/customer-tools/pkg/jsonl"
	"github.com/dcsobral/customer-tools/pkg/progress"
	"github.com/dcsobral/customer-tools/pkg/source"
	"github.com/dcsobral/customer-tools/pkg/source/sqlite"
	"github.com/dcsobral/customer-tools/pkg/types"
)

// loadBatchSize is the number of records inserted per transaction.
const loadBatchSize = 1000

type flags struct {
	configFile string

	source    string
	table     string
	batchSize int
	total     int
	all       bool
	workers   int
	quiet     bool
	noTimer   bool
	bar       bool
	verbose   bool

	input string
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "table-extract [flags] [binaryPath stringPath]",
		Short: "Extract and decode items from a paginated table",
		Long: `Extract items from a paginated table store and print them as JSON lines.

The payloads at binaryPath (base64 of gzip-compressed JSON) and stringPath
(JSON text) are decoded in place. Items whose payloads can't be decoded are
printed, undecoded, to stderr and skipped.

Exit codes:
  0 - Extraction completed, possibly with undecodable items
  1 - Usage, configuration or source errors
  2 - Wrong number of path arguments
  3 - Payload decoding unavailable
  4 - Unsupported source engine version

Examples:
  table-extract
  table-extract -n 1000 -b 100
  table-extract --all --source sqlite:///var/lib/extract/projects.db
  table-extract .data.B .meta.S`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return withCode(ExitPathArguments, xerrors.Errorf("expected both binaryPath and stringPath or neither, got %d argument(s)", len(args)))
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg, err = resolveConfig(cmd, f); err != nil {
				return err
			}
			setupLogger(cfg)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				cfg.BinaryPath, cfg.TextPath = args[0], args[1]
			}
			return runExtract(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configFile, "config", "c", "", "YAML configuration file")
	pf.StringVarP(&f.source, "source", "s", cfg.Source, "table source URL (http(s)://, sqlite://, file://)")
	pf.StringVarP(&f.table, "table", "t", cfg.Table, "table identifier")
	pf.BoolVarP(&f.quiet, "quiet", "q", false, "suppress progress output")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")

	rf := root.Flags()
	rf.IntVarP(&f.batchSize, "batch-size", "b", cfg.BatchSize, "items requested per page")
	rf.IntVarP(&f.total, "total", "n", cfg.Total, "maximum number of items to extract")
	rf.BoolVarP(&f.all, "all", "a", false, "extract the whole table, using its item count for progress")
	rf.IntVarP(&f.workers, "workers", "w", cfg.Workers, "items decoded concurrently within a page")
	rf.BoolVar(&f.noTimer, "no-timer", false, "don't report elapsed and estimated time in --all mode")
	rf.BoolVar(&f.bar, "bar", false, "show a progress bar instead of progress lines")

	load := &cobra.Command{
		Use:   "load",
		Short: "Load JSON lines items into a SQLite table",
		Long: `Load items into a SQLite table, creating it if needed.

Examples:
  table-extract load --source sqlite://projects.db < items.jsonl
  table-extract load --source sqlite://projects.db --input items.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if f.input != "-" {
				file, err := os.Open(f.input)
				if err != nil {
					return xerrors.Errorf("unable to open input: %w", err)
				}
				defer file.Close()
				in = file
			}
			return runLoad(cmd.Context(), cfg, in)
		},
	}
	load.Flags().StringVarP(&f.input, "input", "i", "-", "JSON lines file, - for stdin")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(load, versionCmd)
	return root
}

// resolveConfig layers explicitly set flags over the config file over the
// defaults.
func resolveConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		if cfg, err = config.Load(f.configFile); err != nil {
			return config.Config{}, err
		}
	}

	set := cmd.Flags().Changed
	if set("source") {
		cfg.Source = f.source
	}
	if set("table") {
		cfg.Table = f.table
	}
	if set("batch-size") {
		cfg.BatchSize = f.batchSize
	}
	if set("total") {
		cfg.Total = f.total
	}
	if set("workers") {
		cfg.Workers = f.workers
	}
	cfg.All = cfg.All || f.all
	cfg.Quiet = cfg.Quiet || f.quiet
	cfg.NoTimer = cfg.NoTimer || f.noTimer
	cfg.Bar = cfg.Bar || f.bar
	cfg.Verbose = cfg.Verbose || f.verbose
	return cfg, nil
}

func setupLogger(cfg config.Config) {
	level := slog.LevelWarn
	switch {
	case cfg.Verbose:
		level = slog.LevelDebug
	case cfg.Quiet:
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runExtract(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	binary, text, err := cfg.Paths()
	if err != nil {
		return err
	}
	if err = decode.SelfCheck(binary.Default, text.Default); err != nil {
		return withCode(ExitDecodeUnavailable, xerrors.Errorf("payload decoding unavailable: %w", err))
	}

	src, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	term := newTerminal(stdout, stderr)
	defer term.Flush()

	var reporter progress.Reporter
	switch {
	case cfg.Quiet:
	case cfg.Bar:
		reporter = progress.NewBarReporter(term.Stderr())
	default:
		reporter = progress.NewLineReporter(term.Stderr())
	}

	_, err = extract.New(src, extract.Options{
		Table:       cfg.Table,
		BatchSize:   cfg.BatchSize,
		Total:       cfg.Total,
		DiscoverAll: cfg.All,
		Workers:     cfg.Workers,
		Binary:      binary,
		Text:        text,
		Progress:    reporter,
		Timer:       !cfg.NoTimer,
	}).Run(ctx, term.Stdout(), term.Stderr())
	if err != nil {
		return xerrors.Errorf("extract error: %w", err)
	}
	return term.Flush()
}

// terminal buffers records and flushes them before each diagnostic or
// progress write, so both streams keep source order on a shared terminal.
// The bar reporter writes from its own goroutine, hence the lock.
type terminal struct {
	mu  sync.Mutex
	out *bufio.Writer
	err io.Writer
}

func newTerminal(stdout, stderr io.Writer) *terminal {
	return &terminal{out: bufio.NewWriter(stdout), err: stderr}
}

func (t *terminal) Stdout() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.out.Write(p)
	})
}

func (t *terminal) Stderr() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if err := t.out.Flush(); err != nil {
			return 0, err
		}
		return t.err.Write(p)
	})
}

func (t *terminal) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Flush()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

func runLoad(ctx context.Context, cfg config.Config, in io.Reader) error {
	if !strings.HasPrefix(cfg.Source, "sqlite://") {
		return xerrors.Errorf("load needs a sqlite:// source, got %q", cfg.Source)
	}
	src, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	db, ok := src.(*sqlite.DB)
	if !ok {
		return xerrors.Errorf("source %q is not a SQLite database", cfg.Source)
	}
	if err = db.Init(ctx, cfg.Table); err != nil {
		return xerrors.Errorf("db init error: %w", err)
	}

	var loaded int
	batch := make([]types.Record, 0, loadBatchSize)
	if err = jsonl.ReadRecords(in, func(rec types.Record) error {
		batch = append(batch, rec)
		if len(batch) < loadBatchSize {
			return nil
		}
		if err := db.Insert(ctx, cfg.Table, batch); err != nil {
			return xerrors.Errorf("failed to insert items: %w", err)
		}
		loaded += len(batch)
		batch = batch[:0]
		return nil
	}); err != nil {
		return err
	}

	// Insert the remaining items
	if err = db.Insert(ctx, cfg.Table, batch); err != nil {
		return xerrors.Errorf("failed to insert items: %w", err)
	}
	loaded += len(batch)

	slog.Info("Load completed", slog.String("table", cfg.Table), slog.Int("items", loaded))
	return nil
}

func openSource(ctx context.Context, cfg config.Config) (source.Source, error) {
	src, err := source.Open(ctx, cfg.Source, source.Options{
		Table:   cfg.Table,
		Headers: cfg.Headers,
		Timeout: cfg.Timeout,
	})
	if xerrors.Is(err, sqlite.ErrUnsupportedVersion) {
		return nil, withCode(ExitUnsupportedVersion, err)
	} else if err != nil {
		return nil, xerrors.Errorf("unable to open source: %w", err)
	}
	return src, nil
}
