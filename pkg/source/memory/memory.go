// Package memory provides a table source backed by records held in memory,
// optionally loaded from a JSON lines file.
package memory

import (
	"context"
	"os"
	"strconv"
	"sync"

	"golang.org/x/xerrors"

	"github.com/dcsobral/customer-tools/pkg/jsonl"
	"github.com/dcsobral/customer-tools/pkg/types"
)

var _ types.Source = (*Source)(nil)

// Source serves a single table from a slice of records. The continuation
// token is the offset of the next record.
type Source struct {
	mu     sync.Mutex
	tables map[string][]types.Record
}

// New returns a source serving records as table.
func New(table string, records []types.Record) *Source {
	return &Source{tables: map[string][]types.Record{table: records}}
}

// Load reads a JSON lines file and serves it as table.
func Load(path, table string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()

	var records []types.Record
	if err = jsonl.ReadRecords(f, func(rec types.Record) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		return nil, xerrors.Errorf("unable to read %s: %w", path, err)
	}
	return New(table, records), nil
}

func (s *Source) Scan(_ context.Context, table string, token types.Token, limit int) (types.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.tables[table]
	if !ok {
		return types.Page{}, xerrors.Errorf("table %q not found", table)
	}

	var offset int
	if token != types.None {
		var err error
		if offset, err = strconv.Atoi(string(token)); err != nil || offset < 0 || offset > len(records) {
			return types.Page{}, xerrors.Errorf("invalid continuation token %q", token)
		}
	}

	end := min(offset+limit, len(records))
	page := types.Page{Items: records[offset:end]}
	if end < len(records) {
		page.Next = types.Token(strconv.Itoa(end))
	}
	return page, nil
}

func (s *Source) CountItems(_ context.Context, table string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, ok := s.tables[table]
	if !ok {
		return 0, xerrors.Errorf("table %q not found", table)
	}
	return len(records), nil
}

func (s *Source) Close() error {
	return nil
}
