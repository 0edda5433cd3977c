// Package snapshot reads the existing rows of captured tables as a sequence of pages.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-capture/internal/db"
	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// Options tunes a Reader
type Options struct {
	// FetchSize is the page size. Zero derives it per table from sampled row sizes.
	FetchSize int
	// MaxMessageSize is the byte budget a page should fit in when FetchSize is zero
	MaxMessageSize int
	Logger         hclog.Logger
}

// Row is one snapshot row and the offset that marks it as delivered
type Row struct {
	Values []any
	Offset cdc.SnapshotOffset
}

// Page is a batch of rows of a single table
type Page struct {
	Table  cdc.TableID
	Schema *schema.TableSchema
	Rows   []Row
	// TableDone is set when the page holds the table's last rows
	TableDone bool
	// Last is set when no rows of any table follow this page
	Last bool
}

// Reader pages through tables in name order, each in primary-key order
type Reader struct {
	conn    *sql.DB
	dialect db.Dialect
	start   cdc.Position
	tables  []*schema.TableSchema
	opts    Options
	log     hclog.Logger

	idx    int
	cursor []any
	rows   int64
	sizer  *utils.BatchSizer
}

// NewReader creates a reader over tables. start is the log position captured
// before reading began; it is carried in every offset.
func NewReader(conn *sql.DB, dialect db.Dialect, start cdc.Position, tables []*schema.TableSchema, opts Options) *Reader {
	sorted := append([]*schema.TableSchema(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.String() < sorted[j].ID.String() })
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = utils.StandardSKULimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reader{conn: conn, dialect: dialect, start: start, tables: sorted, opts: opts, log: logger}
}

// Start returns the log position the snapshot streams from once complete
func (r *Reader) Start() cdc.Position { return r.start }

// Tables returns the tables in read order
func (r *Reader) Tables() []*schema.TableSchema { return r.tables }

// Current returns the table being read, nil once every table is done
func (r *Reader) Current() *schema.TableSchema {
	if r.idx >= len(r.tables) {
		return nil
	}
	return r.tables[r.idx]
}

// Resume continues an interrupted snapshot after the row recorded in off.
// Tables sorting before off.Table are considered complete.
func (r *Reader) Resume(off cdc.SnapshotOffset) {
	name := off.Table.String()
	r.idx = sort.Search(len(r.tables), func(i int) bool { return r.tables[i].ID.String() >= name })
	r.cursor, r.rows, r.sizer = nil, 0, nil
	if r.idx < len(r.tables) && r.tables[r.idx].ID == off.Table {
		r.cursor = append([]any(nil), off.Cursor...)
		r.rows = off.Rows
	}
	r.log.Info("Resuming snapshot", "table", off.Table, "rows", off.Rows)
}

// SkipTable abandons the current table and moves to the next one
func (r *Reader) SkipTable() {
	if r.idx < len(r.tables) {
		r.log.Warn("Skipping table", "table", r.tables[r.idx].ID, "rows", r.rows)
	}
	r.advance()
}

func (r *Reader) advance() {
	r.idx++
	r.cursor, r.rows, r.sizer = nil, 0, nil
}

// Next returns the next non-empty page, or io.EOF when every table was read.
// A failed read leaves the cursor unchanged, so calling Next again retries the same page.
func (r *Reader) Next(ctx context.Context) (*Page, error) {
	for r.idx < len(r.tables) {
		ts := r.tables[r.idx]
		limit := r.fetchSize(ctx, ts)

		values, err := r.fetch(ctx, ts, limit)
		if err != nil {
			return nil, cerrors.NewSnapshotReadError(ts.ID.String(), "failed to read snapshot page", err)
		}

		page := &Page{Table: ts.ID, Schema: ts, TableDone: len(values) < limit}
		keys := ts.KeyIndexes()
		for _, v := range values {
			r.rows++
			if len(keys) > 0 {
				r.cursor = make([]any, len(keys))
				for i, k := range keys {
					r.cursor[i] = v[k]
				}
			}
			page.Rows = append(page.Rows, Row{
				Values: v,
				Offset: cdc.SnapshotOffset{Start: r.start, Table: ts.ID, Cursor: r.cursor, Rows: r.rows},
			})
		}

		if page.TableDone {
			r.log.Info("Snapshot of table complete", "table", ts.ID, "rows", r.rows)
			r.advance()
			page.Last = r.idx >= len(r.tables)
		}
		if len(page.Rows) > 0 {
			return page, nil
		}
	}
	return nil, io.EOF
}

func (r *Reader) fetchSize(ctx context.Context, ts *schema.TableSchema) int {
	if r.opts.FetchSize > 0 {
		return r.opts.FetchSize
	}
	if r.sizer == nil {
		r.sizer = utils.NewBatchSizer(ts.ID.String(), r.sampler(ts), r.opts.MaxMessageSize, utils.WithSizerLogger(r.log))
		if err := r.sizer.Update(ctx); err != nil {
			r.log.Warn("Batch sizing failed", "table", ts.ID, "error", err)
		}
	}
	return int(r.sizer.GetBatchSize())
}

func (r *Reader) sampler(ts *schema.TableSchema) utils.Sampler {
	return func(ctx context.Context, n int) ([]map[string]any, error) {
		rows, err := r.query(ctx, r.dialect.Page(r.selectFrom(ts)+" ORDER BY "+r.orderBy(ts), n, 0))
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(rows))
		for i, v := range rows {
			m := make(map[string]any, len(v))
			for j, c := range ts.Columns {
				m[c.Name] = db.NormalizeValue(c.Type, v[j])
			}
			out[i] = m
		}
		return out, nil
	}
}

func (r *Reader) fetch(ctx context.Context, ts *schema.TableSchema, limit int) ([][]any, error) {
	query, args := r.pageQuery(ts, limit)
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, v := range rows {
		db.NormalizeRow(ts, v)
	}
	return rows, nil
}

// pageQuery builds the keyset query for the next page:
//
//	WHERE (k1 > ?) OR (k1 = ? AND k2 > ?) ... ORDER BY k1, k2
//
// Tables without a primary key are ordered by every column and paged by row offset.
func (r *Reader) pageQuery(ts *schema.TableSchema, limit int) (string, []any) {
	q := r.selectFrom(ts)
	if !ts.HasPrimaryKey() {
		return r.dialect.Page(q+" ORDER BY "+r.orderBy(ts), limit, r.rows), nil
	}

	var args []any
	if len(r.cursor) > 0 {
		keys := ts.KeyIndexes()
		var clauses []string
		for i := range keys {
			var terms []string
			for j := 0; j <= i; j++ {
				op := "="
				if j == i {
					op = ">"
				}
				args = append(args, r.cursor[j])
				terms = append(terms, fmt.Sprintf("%s %s %s", r.dialect.QuoteIdent(ts.Columns[keys[j]].Name), op, r.dialect.Placeholder(len(args))))
			}
			clauses = append(clauses, "("+strings.Join(terms, " AND ")+")")
		}
		q += " WHERE " + strings.Join(clauses, " OR ")
	}
	return r.dialect.Page(q+" ORDER BY "+r.orderBy(ts), limit, 0), args
}

func (r *Reader) selectFrom(ts *schema.TableSchema) string {
	cols := make([]string, len(ts.Columns))
	for i, c := range ts.Columns {
		cols[i] = r.dialect.QuoteIdent(c.Name)
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + r.dialect.QuoteTable(ts.ID)
}

func (r *Reader) orderBy(ts *schema.TableSchema) string {
	var cols []string
	if ts.HasPrimaryKey() {
		for _, k := range ts.KeyIndexes() {
			cols = append(cols, r.dialect.QuoteIdent(ts.Columns[k].Name))
		}
	} else {
		for _, c := range ts.Columns {
			cols = append(cols, r.dialect.QuoteIdent(c.Name))
		}
	}
	return strings.Join(cols, ", ")
}

func (r *Reader) query(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, values)
	}
	return out, rows.Err()
}
