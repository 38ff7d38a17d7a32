// Package extract drives a table scan and writes the decoded records.
package extract

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"k8s.io/utils/clock"

	"github.com/dcsobral/customer-tools/pkg/jsonl"
	"github.com/dcsobral/customer-tools/pkg/progress"
	"github.com/dcsobral/customer-tools/pkg/scan"
	"github.com/dcsobral/customer-tools/pkg/transcode"
	"github.com/dcsobral/customer-tools/pkg/types"
)

// FailureMarker precedes every undecodable record written to the
// diagnostic stream.
const FailureMarker = "Failed to decode record:"

type Options struct {
	Table     string
	BatchSize int
	// Total caps the number of items read. Ignored when DiscoverAll is set.
	Total int
	// DiscoverAll reads the whole table and uses the store's item count as
	// the total for progress reporting.
	DiscoverAll bool
	// Workers is the number of records decoded concurrently within a page.
	Workers int

	Binary transcode.PathSpec
	Text   transcode.PathSpec

	// Progress receives an event after every page. Nil disables reporting.
	Progress progress.Reporter
	// Timer adds elapsed and estimated times to events in DiscoverAll mode.
	Timer bool
	Clock clock.PassiveClock
}

// Stats summarizes a run.
type Stats struct {
	Read    int
	Decoded int
	Failed  int
	Pages   int
}

type Pipeline struct {
	source     types.Source
	opts       Options
	transcoder transcode.Transcoder
	logger     *slog.Logger
}

func New(source types.Source, opts Options) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Pipeline{
		source:     source,
		opts:       opts,
		transcoder: transcode.New(opts.Binary, opts.Text),
		logger:     slog.Default().With(slog.String("component", "extract"), slog.String("table", opts.Table)),
	}
}

// Run scans the table, writing each decoded record to out and each
// undecodable record to diag. Undecodable records don't stop the run; a
// failed scan or write does.
func (p *Pipeline) Run(ctx context.Context, out, diag io.Writer) (Stats, error) {
	var stats Stats
	cursor := scan.New(p.source, p.opts.Table, scan.Options{
		BatchSize: p.opts.BatchSize,
		Total:     p.opts.Total,
		Unlimited: p.opts.DiscoverAll,
	})

	var timer *progress.Timer
	if p.opts.DiscoverAll && p.opts.Timer {
		timer = progress.NewTimer(p.opts.Clock)
	}
	if p.opts.Progress != nil {
		defer p.opts.Progress.Finish()
	}

	if p.opts.DiscoverAll {
		total, err := cursor.DiscoverTotal(ctx)
		if err != nil {
			return stats, err
		}
		p.logger.Info("Extracting all items", slog.Int("count", total))
		p.report(cursor.State(), timer)
	}

	outEnc := jsonl.NewEncoder(out)
	diagEnc := jsonl.NewEncoder(diag)
	for {
		page, ok, err := cursor.Next(ctx)
		if err != nil {
			return stats, err
		}
		if !ok {
			break
		}
		stats.Pages++

		outcomes, err := p.transcodePage(ctx, page.Items)
		if err != nil {
			return stats, err
		}
		for _, o := range outcomes {
			if o.Failed() {
				stats.Failed++
				p.logger.Debug("Undecodable record", slog.String("path", o.Path),
					slog.String("stage", string(o.Stage())), slog.Any("error", o.Err))
				if _, err = fmt.Fprintln(diag, FailureMarker); err != nil {
					return stats, xerrors.Errorf("write error: %w", err)
				}
				if err = diagEnc.Encode(o.Raw); err != nil {
					return stats, xerrors.Errorf("write error: %w", err)
				}
				continue
			}
			if err = outEnc.Encode(o.Record); err != nil {
				return stats, xerrors.Errorf("write error: %w", err)
			}
			stats.Decoded++
		}

		stats.Read = cursor.State().ItemsRead
		p.report(cursor.State(), timer)
	}

	p.logger.Info("Extraction completed", slog.Int("read", stats.Read), slog.Int("decoded", stats.Decoded),
		slog.Int("failed", stats.Failed), slog.Int("pages", stats.Pages))
	return stats, nil
}

// transcodePage decodes the records of one page, keeping their order.
func (p *Pipeline) transcodePage(ctx context.Context, items []types.Record) ([]transcode.Outcome, error) {
	outcomes := make([]transcode.Outcome, len(items))
	if p.opts.Workers == 1 {
		for i, rec := range items {
			outcomes[i] = p.transcoder.Transcode(rec)
		}
		return outcomes, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, rec := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcomes[i] = p.transcoder.Transcode(rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, xerrors.Errorf("transcode error: %w", err)
	}
	return outcomes, nil
}

func (p *Pipeline) report(state scan.State, timer *progress.Timer) {
	if p.opts.Progress == nil {
		return
	}
	ev := progress.Event{ItemsRead: state.ItemsRead, Total: state.Total}
	if timer != nil {
		ev = timer.Event(state.ItemsRead, state.Total)
	}
	p.opts.Progress.Report(ev)
}
