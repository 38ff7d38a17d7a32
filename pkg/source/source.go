// Package source opens table sources by URL.
//
//	http://localhost:8000     DynamoDB-compatible endpoint
//	sqlite:///var/data/t.db   local SQLite database
//	file:///tmp/dump.jsonl    JSON lines dump, served as the requested table
package source

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/dcsobral/customer-tools/pkg/source/dynamodb"
	"github.com/dcsobral/customer-tools/pkg/source/memory"
	"github.com/dcsobral/customer-tools/pkg/source/sqlite"
	"github.com/dcsobral/customer-tools/pkg/types"
)

// Source is a table source holding resources until closed
type Source interface {
	types.Source
	io.Closer
}

type Options struct {
	// Table is the table a file source is served as.
	Table   string
	Headers map[string]string
	Timeout time.Duration
}

// Open returns the source addressed by rawURL.
func Open(ctx context.Context, rawURL string, opts Options) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Errorf("invalid source URL %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return dynamodb.New(dynamodb.NewHTTPClient(opts.Timeout), dynamodb.Options{
			Endpoint: rawURL,
			Headers:  opts.Headers,
		}), nil
	case "sqlite":
		db, err := sqlite.Open(filePath(u))
		if err != nil {
			return nil, err
		}
		if err = db.CheckVersion(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	case "file":
		src, err := memory.Load(filePath(u), opts.Table)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, xerrors.Errorf("unsupported source scheme %q", u.Scheme)
}

// filePath accepts both sqlite:///abs/path and sqlite://relative/path.
func filePath(u *url.URL) string {
	if u.Host == "" {
		return u.Path
	}
	return u.Host + "/" + strings.TrimPrefix(u.Path, "/")
}
