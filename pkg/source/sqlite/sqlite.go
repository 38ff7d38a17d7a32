// Package sqlite stores tables in a local SQLite database, one JSON item per
// row. It serves as a table source and as a target for seeding test data.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"github.com/dcsobral/customer-tools/pkg/jsonl"
	"github.com/dcsobral/customer-tools/pkg/types"
)

var _ types.Source = (*DB)(nil)

// MinVersion is the oldest SQLite engine the source works with.
const MinVersion = "3.9.0"

var (
	ErrUnsupportedVersion = xerrors.New("unsupported SQLite version")
	ErrInvalidTable       = xerrors.New("invalid table name")

	tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

type DB struct {
	client *sql.DB
	path   string
	logger *slog.Logger
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, xerrors.Errorf("failed to mkdir: %w", err)
	}

	client, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("can't open db: %w", err)
	}

	return &DB{
		client: client,
		path:   path,
		logger: slog.With(slog.String("component", "sqlite"), slog.String("path", path)),
	}, nil
}

func (db *DB) Close() error {
	return db.client.Close()
}

// Init creates table if it doesn't exist yet.
func (db *DB) Init(ctx context.Context, table string) error {
	name, err := quote(table)
	if err != nil {
		return err
	}
	if _, err = db.client.ExecContext(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s(id INTEGER PRIMARY KEY, item TEXT NOT NULL)", name)); err != nil {
		return xerrors.Errorf("unable to create %s table: %w", name, err)
	}
	return nil
}

// Insert appends records to table in a single transaction.
func (db *DB) Insert(ctx context.Context, table string, records []types.Record) error {
	name, err := quote(table)
	if err != nil {
		return err
	}

	tx, err := db.client.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s(item) VALUES (?)", name))
	if err != nil {
		return xerrors.Errorf("unable to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		item, err := jsonl.Marshal(rec)
		if err != nil {
			return xerrors.Errorf("unable to marshal item: %w", err)
		}
		if _, err = stmt.ExecContext(ctx, string(item)); err != nil {
			return xerrors.Errorf("unable to insert to %s table: %w", name, err)
		}
	}
	return tx.Commit()
}

// Scan returns up to limit items with an id greater than token.
func (db *DB) Scan(ctx context.Context, table string, token types.Token, limit int) (types.Page, error) {
	name, err := quote(table)
	if err != nil {
		return types.Page{}, err
	}

	var after int64
	if token != types.None {
		if after, err = strconv.ParseInt(string(token), 10, 64); err != nil {
			return types.Page{}, xerrors.Errorf("invalid continuation token %q", token)
		}
	}

	// One extra row tells whether another page exists.
	rows, err := db.client.QueryContext(ctx, fmt.Sprintf("SELECT id, item FROM %s WHERE id > ? ORDER BY id LIMIT ?", name), after, limit+1)
	if err != nil {
		return types.Page{}, xerrors.Errorf("select items error: %w", err)
	}
	defer rows.Close()

	var page types.Page
	var lastID int64
	for rows.Next() {
		var id int64
		var item string
		if err = rows.Scan(&id, &item); err != nil {
			return types.Page{}, xerrors.Errorf("scan row error: %w", err)
		}
		if len(page.Items) == limit {
			page.Next = types.Token(strconv.FormatInt(lastID, 10))
			break
		}

		v, err := jsonl.Unmarshal([]byte(item))
		if err != nil {
			return types.Page{}, xerrors.Errorf("row %d: invalid item: %w", id, err)
		}
		rec, ok := v.(map[string]any)
		if !ok {
			return types.Page{}, xerrors.Errorf("row %d: item is not an object", id)
		}
		page.Items = append(page.Items, rec)
		lastID = id
	}
	if err = rows.Err(); err != nil {
		return types.Page{}, xerrors.Errorf("rows error: %w", err)
	}
	return page, nil
}

func (db *DB) CountItems(ctx context.Context, table string) (int, error) {
	name, err := quote(table)
	if err != nil {
		return 0, err
	}
	var count int
	if err = db.client.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", name)).Scan(&count); err != nil {
		return 0, xerrors.Errorf("count items error: %w", err)
	}
	return count, nil
}

// Version returns the version of the SQLite engine.
func (db *DB) Version(ctx context.Context) (string, error) {
	var version string
	if err := db.client.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return "", xerrors.Errorf("unable to query sqlite version: %w", err)
	}
	return version, nil
}

// CheckVersion fails with ErrUnsupportedVersion if the engine is older than
// MinVersion.
func (db *DB) CheckVersion(ctx context.Context) error {
	version, err := db.Version(ctx)
	if err != nil {
		return err
	}
	if err = checkVersion(version); err != nil {
		return err
	}
	db.logger.Debug("SQLite engine", slog.String("version", version))
	return nil
}

func checkVersion(version string) error {
	if compareVersions(version, MinVersion) < 0 {
		return xerrors.Errorf("%s is older than %s: %w", version, MinVersion, ErrUnsupportedVersion)
	}
	return nil
}

// compareVersions compares dotted numeric versions. Non-numeric parts count
// as zero.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < max(len(as), len(bs)); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func quote(table string) (string, error) {
	if !tableNameRe.MatchString(table) {
		return "", xerrors.Errorf("%q: %w", table, ErrInvalidTable)
	}
	return `"` + table + `"`, nil
}

