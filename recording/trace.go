package recording

import (
	"context"
	"database/sql"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// Filter narrows a trace query.
type Filter struct {
	// Where is an SQL condition on the columns of the table, for example
	// "Kind = ? AND Offset >= ?". Empty selects every row.
	Where string
	Args  []any

	// Limit caps the number of rows; zero means no cap.
	Limit  int
	Offset int

	// Newest returns the latest rows first.
	Newest bool
}

// Trace reads back a database filled by a Tracer.
type Trace struct {
	db *sql.DB
}

// OpenTrace opens the trace database at file for reading.
func OpenTrace(file string) (*Trace, error) {
	db, err := sql.Open("sqlite3", "file:"+file+"?mode=ro")
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", file)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "open %s", file)
	}

	return &Trace{db: db}, nil
}

// Close closes the database.
func (t *Trace) Close() error {
	return t.db.Close()
}

// Tables lists the tables that hold bridge activity.
func (t *Trace) Tables() []string {
	return []string{MMIOTable, RegionTable, UMsgTable}
}

// MMIO returns recorded MMIO transactions.
func (t *Trace) MMIO(ctx context.Context, f Filter) ([]MMIOEntry, error) {
	return selectEntries[MMIOEntry](ctx, t.db, MMIOTable, f)
}

// Regions returns recorded allocations and releases.
func (t *Trace) Regions(ctx context.Context, f Filter) ([]RegionEntry, error) {
	return selectEntries[RegionEntry](ctx, t.db, RegionTable, f)
}

// UMsgs returns recorded UMsgs.
func (t *Trace) UMsgs(ctx context.Context, f Filter) ([]UMsgEntry, error) {
	return selectEntries[UMsgEntry](ctx, t.db, UMsgTable, f)
}

// Rows returns the entries of any trace table.
func (t *Trace) Rows(ctx context.Context, table string, f Filter) ([]any, error) {
	switch table {
	case MMIOTable:
		entries, err := t.MMIO(ctx, f)
		return boxed(entries), err
	case RegionTable:
		entries, err := t.Regions(ctx, f)
		return boxed(entries), err
	case UMsgTable:
		entries, err := t.UMsgs(ctx, f)
		return boxed(entries), err
	default:
		return nil, errors.Errorf("no trace table %q", table)
	}
}

// Count returns how many rows of a trace table match the filter. Limit and
// Offset are ignored.
func (t *Trace) Count(ctx context.Context, table string, f Filter) (int, error) {
	if !t.known(table) {
		return 0, errors.Errorf("no trace table %q", table)
	}

	var n int
	err := t.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+whereClause(f), f.Args...).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count %s", table)
	}

	return n, nil
}

func (t *Trace) known(table string) bool {
	for _, name := range t.Tables() {
		if name == table {
			return true
		}
	}

	return false
}

func whereClause(f Filter) string {
	if f.Where == "" {
		return ""
	}

	return " WHERE " + f.Where
}

// selectEntries reads the columns of table in the field order of E, which is
// the order the recorder created them in.
func selectEntries[E any](
	ctx context.Context,
	db *sql.DB,
	table string,
	f Filter,
) ([]E, error) {
	var zero E
	columns := strings.Join(quotedNames(zero), ", ")

	query := "SELECT " + columns + " FROM " + table + whereClause(f) +
		" ORDER BY rowid"
	if f.Newest {
		query += " DESC"
	}

	args := append([]any(nil), f.Args...)
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", table)
	}
	defer rows.Close()

	entries := []E{}
	for rows.Next() {
		var e E
		v := reflect.ValueOf(&e).Elem()

		dest := make([]any, v.NumField())
		for i := range dest {
			dest[i] = v.Field(i).Addr().Interface()
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrapf(err, "scan %s", table)
		}

		entries = append(entries, e)
	}

	return entries, errors.Wrapf(rows.Err(), "read %s", table)
}

func boxed[E any](entries []E) []any {
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = e
	}

	return out
}
