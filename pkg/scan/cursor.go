// Package scan walks a paginated table source page by page.
package scan

import (
	"context"
	"log/slog"

	"golang.org/x/xerrors"

	"github.com/dcsobral/customer-tools/pkg/types"
)

const DefaultBatchSize = 25

// Options configures a Cursor.
type Options struct {
	// BatchSize is the number of items requested per page.
	BatchSize int
	// Total is the number of items to read. Ignored when Unlimited is set.
	Total int
	// Unlimited reads until the source runs out of pages.
	Unlimited bool
}

// State is a snapshot of the scan progress.
type State struct {
	ItemsRead int
	Token     types.Token
	// Total is the item quota, or the discovered item count when unlimited.
	// Zero means unknown.
	Total int
	// Limited reports whether Total caps the scan.
	Limited bool
	Pages   int
	Done    bool
}

// Remaining returns the quota left, or -1 when the scan is unlimited.
func (s State) Remaining() int {
	if !s.Limited {
		return -1
	}
	return s.Total - s.ItemsRead
}

// Cursor fetches successive pages of a table. It is not safe for concurrent
// use.
type Cursor struct {
	source    types.Source
	table     string
	batchSize int
	state     State
	logger    *slog.Logger
}

func New(source types.Source, table string, opts Options) *Cursor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	c := &Cursor{
		source:    source,
		table:     table,
		batchSize: opts.BatchSize,
		state: State{
			Total:   opts.Total,
			Limited: !opts.Unlimited,
		},
		logger: slog.Default().With(slog.String("component", "cursor"), slog.String("table", table)),
	}
	if opts.Unlimited {
		c.state.Total = 0
	}
	return c
}

// DiscoverTotal asks the source for the table's item count and records it as
// the total. It must be called before the first page is fetched.
func (c *Cursor) DiscoverTotal(ctx context.Context) (int, error) {
	if c.state.Pages > 0 {
		return 0, xerrors.New("total must be discovered before the first page")
	}
	count, err := c.source.CountItems(ctx, c.table)
	if err != nil {
		return 0, xerrors.Errorf("count items of %s: %w", c.table, err)
	}
	c.logger.Debug("Discovered item count", slog.Int("count", count))
	c.state.Total = count
	return count, nil
}

// State returns a snapshot of the scan progress.
func (c *Cursor) State() State {
	return c.state
}

// Next fetches the next page. It returns false once the scan is exhausted,
// without calling the source.
func (c *Cursor) Next(ctx context.Context) (types.Page, bool, error) {
	if c.state.Done {
		return types.Page{}, false, nil
	}

	limit := c.batchSize
	if c.state.Limited {
		remaining := c.state.Remaining()
		if remaining <= 0 {
			c.state.Done = true
			return types.Page{}, false, nil
		}
		limit = min(limit, remaining)
	}

	page, err := c.source.Scan(ctx, c.table, c.state.Token, limit)
	if err != nil {
		return types.Page{}, false, xerrors.Errorf("scan %s: %w", c.table, err)
	}

	// An oversized page is kept whole, since its continuation token already
	// points past every item, unless it would overrun the quota.
	if len(page.Items) > limit {
		c.logger.Warn("Source returned more items than requested", slog.Int("requested", limit),
			slog.Int("items", len(page.Items)))
	}
	if c.state.Limited {
		if remaining := c.state.Remaining(); len(page.Items) > remaining {
			page.Items = page.Items[:remaining]
		}
	}

	c.state.Pages++
	c.state.ItemsRead += len(page.Items)
	c.state.Token = page.Next
	if page.Next == types.None || (c.state.Limited && c.state.ItemsRead >= c.state.Total) {
		c.state.Done = true
	}

	c.logger.Debug("Fetched page", slog.Int("page", c.state.Pages), slog.Int("requested", limit),
		slog.Int("items", len(page.Items)), slog.Int("items_read", c.state.ItemsRead))
	return page, true, nil
}
