package types

import "context"

// Record is a single item read from a table, as a decoded JSON object.
type Record = map[string]any

// Token is an opaque continuation cursor. The empty token means "start" when
// passed to Scan and "no more pages" when returned in a Page.
type Token string

// None is the empty continuation token.
const None Token = ""

// Page is one batch of records returned by a single scan call
type Page struct {
	Items []Record
	Next  Token
}

// Source defines an interface for reading a paginated table store
type Source interface {
	// Scan returns up to limit items of table, resuming after token.
	Scan(ctx context.Context, table string, token Token, limit int) (Page, error)

	// CountItems returns the number of items the store reports for table.
	CountItems(ctx context.Context, table string) (int, error)
}
