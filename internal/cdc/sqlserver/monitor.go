package sqlserver

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// CDC operation codes in __$operation
const (
	opDelete       = 1
	opInsert       = 2
	opUpdateBefore = 3
	opUpdateAfter  = 4
)

// changeRow is one row of a change table
type changeRow struct {
	lsn       []byte
	seq       []byte
	operation int
	committed time.Time
	values    []any
}

// TableMonitor reads the change table of one capture instance
type TableMonitor struct {
	dbConn          *sql.DB
	table           cdc.TableID
	captureInstance string
	columnNames     []string
	batchSizer      *utils.BatchSizer
	log             hclog.Logger

	lastLSN []byte
	lastSeq []byte
	// inclusive is set after Seek, so the change at (lastLSN, lastSeq) itself is read again
	inclusive bool
	buffer    []cdc.RawRowChange
	// drained is set when the last fetch returned fewer rows than requested
	drained bool
}

// NewTableMonitor creates a monitor for captureInstance, reading the captured columns once
func NewTableMonitor(ctx context.Context, dbConn *sql.DB, table cdc.TableID, captureInstance string, logger hclog.Logger) (*TableMonitor, error) {
	columns, err := fetchCapturedColumns(ctx, dbConn, captureInstance)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch captured columns of %s: %w", captureInstance, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("capture instance %s has no captured columns", captureInstance)
	}
	m := &TableMonitor{
		dbConn:          dbConn,
		table:           table,
		captureInstance: captureInstance,
		columnNames:     columns,
		log:             logger,
	}
	m.batchSizer = utils.NewBatchSizer(captureInstance, m.sample, utils.StandardSKULimit, utils.WithSizerLogger(logger))
	logger.Info("Monitoring change table", "table", table, "captureInstance", captureInstance, "columns", columns)
	return m, nil
}

// Seek positions the monitor so the next fetch starts with the change at (lsn, seq)
func (m *TableMonitor) Seek(lsn, seq []byte) {
	m.lastLSN, m.lastSeq = lsn, seq
	m.inclusive = true
	m.buffer, m.drained = nil, false
}

func (m *TableMonitor) changeTable() string {
	return "cdc." + quoteName(m.captureInstance+"_CT")
}

func (m *TableMonitor) columnList() string {
	cols := make([]string, len(m.columnNames))
	for i, c := range m.columnNames {
		cols[i] = "ct." + quoteName(c)
	}
	return strings.Join(cols, ", ")
}

// fetch fills the buffer with the next batch of changes. Update rows are paired into
// single changes; an update whose after image falls outside the batch is left for the next fetch.
func (m *TableMonitor) fetch(ctx context.Context) error {
	batchSize := m.batchSizer.GetBatchSize()
	seqOp := ">"
	if m.inclusive {
		seqOp = ">="
	}

	// __$start_lsn > last OR (same lsn AND __$seqval > last) resumes inside a transaction
	query := fmt.Sprintf(`
		SELECT TOP(%d) ct.__$start_lsn, ct.__$seqval, ct.__$operation,
			sys.fn_cdc_map_lsn_to_time(ct.__$start_lsn), %s
		FROM %s AS ct WITH (NOLOCK)
		WHERE (
			ct.__$start_lsn > @lastLSN
			OR (ct.__$start_lsn = @lastLSN AND ct.__$seqval %s @lastSeq)
		)
		ORDER BY ct.__$start_lsn, ct.__$seqval, ct.__$operation
	`, batchSize, m.columnList(), m.changeTable(), seqOp)

	rows, err := m.dbConn.QueryContext(ctx, query, sql.Named("lastLSN", m.lastLSN), sql.Named("lastSeq", m.lastSeq))
	if err != nil {
		return fmt.Errorf("failed to query CDC table for %s: %w", m.captureInstance, err)
	}
	defer rows.Close()

	var batch []changeRow
	for rows.Next() {
		r := changeRow{values: make([]any, len(m.columnNames))}
		var committed sql.NullTime
		targets := []any{&r.lsn, &r.seq, &r.operation, &committed}
		for i := range r.values {
			targets = append(targets, &r.values[i])
		}
		if err := rows.Scan(targets...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if committed.Valid {
			r.committed = committed.Time
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read CDC table for %s: %w", m.captureInstance, err)
	}

	changes, consumed := assemble(m.table, batch)
	m.buffer = append(m.buffer, changes...)
	m.drained = len(batch) < int(batchSize)
	if consumed > 0 {
		last := batch[consumed-1]
		m.lastLSN, m.lastSeq = last.lsn, last.seq
		m.inclusive = false
	}
	m.log.Debug("Fetched changes", "table", m.table, "rows", len(batch), "changes", len(changes),
		"lsn", hex.EncodeToString(m.lastLSN), "seq", hex.EncodeToString(m.lastSeq))
	return nil
}

// assemble turns change rows into raw changes and reports how many rows it used.
// A trailing update-before row without its after row is not consumed.
func assemble(table cdc.TableID, batch []changeRow) ([]cdc.RawRowChange, int) {
	var out []cdc.RawRowChange
	consumed := 0
	for i := 0; i < len(batch); i++ {
		r := batch[i]
		change := cdc.RawRowChange{Table: table, Position: lsnPosition(r.lsn, r.seq), Timestamp: r.committed}
		switch r.operation {
		case opInsert:
			change.Op, change.After = cdc.OpInsert, r.values
		case opDelete:
			change.Op, change.Before = cdc.OpDelete, r.values
		case opUpdateBefore:
			if i+1 >= len(batch) {
				return out, consumed
			}
			next := batch[i+1]
			if next.operation != opUpdateAfter || string(next.lsn) != string(r.lsn) || string(next.seq) != string(r.seq) {
				// lone before image, treat the row as unchanged
				consumed = i + 1
				continue
			}
			change.Op, change.Before, change.After = cdc.OpUpdate, r.values, next.values
			i++
		case opUpdateAfter:
			// after image without a before image
			change.Op, change.Before, change.After = cdc.OpUpdate, r.values, r.values
		default:
			consumed = i + 1
			continue
		}
		out = append(out, change)
		consumed = i + 1
	}
	return out, consumed
}

// sample returns recent change rows for batch sizing
func (m *TableMonitor) sample(ctx context.Context, n int) ([]map[string]any, error) {
	query := fmt.Sprintf(`
		SELECT TOP(%d) %s
		FROM %s AS ct
		ORDER BY ct.__$start_lsn DESC, ct.__$seqval DESC
	`, n, m.columnList(), m.changeTable())
	rows, err := m.dbConn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(m.columnNames))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(values))
		for i, name := range m.columnNames {
			record[name] = values[i]
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// fetchCapturedColumns returns the captured columns of a capture instance in column order
func fetchCapturedColumns(ctx context.Context, db *sql.DB, captureInstance string) ([]string, error) {
	query := `
		SELECT cc.column_name
		FROM cdc.captured_columns cc
		JOIN cdc.change_tables ct ON cc.object_id = ct.object_id
		WHERE ct.capture_instance = @captureInstance
		ORDER BY cc.column_ordinal`

	rows, err := db.QueryContext(ctx, query, sql.Named("captureInstance", captureInstance))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			return nil, err
		}
		columns = append(columns, columnName)
	}
	return columns, rows.Err()
}

func quoteName(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

// lsnPosition encodes an LSN and seqval as a position. Both are fixed-width, so the
// hex strings order the same way as the binary values.
func lsnPosition(lsn, seq []byte) cdc.Position {
	p := cdc.Position{Log: hex.EncodeToString(lsn)}
	if len(seq) > 0 {
		p.Seq = hex.EncodeToString(seq)
	}
	return p
}

// positionLSN decodes a position written by lsnPosition. Missing parts decode to zero bytes.
func positionLSN(p cdc.Position) ([]byte, []byte, error) {
	lsn, seq := make([]byte, lsnWidth), make([]byte, lsnWidth)
	if p.Log != "" {
		b, err := hex.DecodeString(p.Log)
		if err != nil || len(b) != lsnWidth {
			return nil, nil, fmt.Errorf("invalid LSN %q", p.Log)
		}
		lsn = b
	}
	if p.Seq != "" {
		b, err := hex.DecodeString(p.Seq)
		if err != nil || len(b) != lsnWidth {
			return nil, nil, fmt.Errorf("invalid seqval %q", p.Seq)
		}
		seq = b
	}
	return lsn, seq, nil
}

const lsnWidth = 10
