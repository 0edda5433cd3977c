// Package mysql tails the MySQL binary log as a stream of row changes and DDL statements.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	driver "github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/internal/db"
	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

const firstEventOffset = 4

// Config holds the configuration for the binlog tailer
type Config struct {
	// DSN is a go-sql-driver data source name: user:pass@tcp(host:3306)/
	DSN string
	// ServerID must be unique among the replicas of the source
	ServerID uint32
	// Flavor is mysql or mariadb
	Flavor string
	Logger hclog.Logger
}

// Tailer reads row and query events through a replication connection. SHOW statements
// go through a regular connection.
type Tailer struct {
	cfg      Config
	dsn      *driver.Config
	log      hclog.Logger
	conn     *sql.DB
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	file     string
	// txStart is the offset of the event that opened the current transaction
	txStart  uint64
	pending  []cdc.Record
}

// New validates the configuration. Connections are opened on first use.
func New(cfg Config) (*Tailer, error) {
	dsn, err := driver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, cerrors.NewConfigError(cerrors.CodeInvalidOption, "invalid mysql connection string: "+err.Error())
	}
	if cfg.ServerID == 0 {
		cfg.ServerID = 5400
	}
	if cfg.Flavor == "" {
		cfg.Flavor = gomysql.MySQLFlavor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Tailer{cfg: cfg, dsn: dsn, log: logger}, nil
}

func (t *Tailer) connection(ctx context.Context) (*sql.DB, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := db.Connect(ctx, db.MySQL{}, t.cfg.DSN)
	if err != nil {
		return nil, cerrors.NewTailerDisconnectedError("failed to connect to mysql", err)
	}
	t.conn = conn
	return conn, nil
}

// Start opens the replication stream at from, or at the oldest available binlog when from is zero
func (t *Tailer) Start(ctx context.Context, from cdc.Position) error {
	t.closeStream()
	if from.IsZero() {
		earliest, err := t.earliest(ctx)
		if err != nil {
			return err
		}
		from = earliest
	}

	host, portStr, err := net.SplitHostPort(t.dsn.Addr)
	if err != nil {
		return cerrors.NewConfigError(cerrors.CodeInvalidOption, "invalid mysql address "+t.dsn.Addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return cerrors.NewConfigError(cerrors.CodeInvalidOption, "invalid mysql port "+portStr)
	}

	t.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: t.cfg.ServerID,
		Flavor:   t.cfg.Flavor,
		Host:     host,
		Port:     uint16(port),
		User:     t.dsn.User,
		Password: t.dsn.Passwd,
	})
	offset := restartOffset(from)
	streamer, err := t.syncer.StartSync(gomysql.Position{Name: from.Log, Pos: uint32(offset)})
	if err != nil {
		t.closeStream()
		return cerrors.NewTailerDisconnectedError("failed to start binlog sync", err)
	}
	t.streamer = streamer
	t.file, t.txStart = from.Log, 0
	t.log.Info("Tailing binlog", "file", from.Log, "offset", offset, "server_id", t.cfg.ServerID)
	return nil
}

// Next returns the next row change or DDL statement
func (t *Tailer) Next(ctx context.Context) (cdc.Record, error) {
	for len(t.pending) == 0 {
		if t.streamer == nil {
			return cdc.Record{}, cerrors.NewTailerDisconnectedError("binlog stream is not started", nil)
		}
		ev, err := t.streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return cdc.Record{}, ctx.Err()
			}
			return cdc.Record{}, cerrors.NewTailerDisconnectedError("failed to read binlog event", err)
		}
		t.pending = t.convert(ev)
	}
	rec := t.pending[0]
	t.pending = t.pending[1:]
	return rec, nil
}

// CurrentPosition returns the binlog coordinates the next write will receive
func (t *Tailer) CurrentPosition(ctx context.Context) (cdc.Position, error) {
	conn, err := t.connection(ctx)
	if err != nil {
		return cdc.Position{}, err
	}
	row, err := firstRow(ctx, conn, "SHOW MASTER STATUS")
	if err != nil {
		// MySQL 8.4 removed SHOW MASTER STATUS
		row, err = firstRow(ctx, conn, "SHOW BINARY LOG STATUS")
	}
	if err != nil {
		return cdc.Position{}, cerrors.NewTailerDisconnectedError("failed to read binlog status", err)
	}
	if len(row) < 2 || row[0] == "" {
		return cdc.Position{}, cerrors.NewConfigError(cerrors.CodeInvalidOption, "binary logging is not enabled on the source")
	}
	pos, err := strconv.ParseUint(row[1], 10, 64)
	if err != nil {
		return cdc.Position{}, fmt.Errorf("invalid binlog position %q: %w", row[1], err)
	}
	return cdc.Position{Log: row[0], Offset: pos}, nil
}

func (t *Tailer) earliest(ctx context.Context) (cdc.Position, error) {
	conn, err := t.connection(ctx)
	if err != nil {
		return cdc.Position{}, err
	}
	row, err := firstRow(ctx, conn, "SHOW BINARY LOGS")
	if err != nil {
		return cdc.Position{}, cerrors.NewTailerDisconnectedError("failed to list binary logs", err)
	}
	if len(row) == 0 || row[0] == "" {
		return cdc.Position{}, cerrors.NewConfigError(cerrors.CodeInvalidOption, "binary logging is not enabled on the source")
	}
	return cdc.Position{Log: row[0], Offset: firstEventOffset}, nil
}

// Close stops the replication stream and the SHOW connection
func (t *Tailer) Close() error {
	t.closeStream()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *Tailer) closeStream() {
	if t.syncer != nil {
		t.syncer.Close()
	}
	t.syncer, t.streamer, t.pending = nil, nil, nil
}

// convert turns one binlog event into zero or more records
func (t *Tailer) convert(ev *replication.BinlogEvent) []cdc.Record {
	h := ev.Header
	start := uint64(h.LogPos)
	if h.LogPos >= h.EventSize {
		start = uint64(h.LogPos - h.EventSize)
	}
	ts := time.Unix(int64(h.Timestamp), 0).UTC()

	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		t.file, t.txStart = string(e.NextLogName), 0
		t.log.Debug("Binlog rotated", "file", t.file, "offset", e.Position)
		return nil

	case *replication.QueryEvent:
		query := strings.TrimSpace(string(e.Query))
		if isTransactionControl(query) {
			switch q := strings.ToUpper(strings.TrimRight(query, "; \t\r\n")); {
			case q == "BEGIN", q == "START TRANSACTION", strings.HasPrefix(q, "XA START"):
				// keeps the offset of a preceding GTID event
				if t.txStart == 0 {
					t.txStart = start
				}
			case q == "COMMIT", q == "ROLLBACK", strings.HasPrefix(q, "XA COMMIT"), strings.HasPrefix(q, "XA ROLLBACK"):
				t.txStart = 0
			}
			return nil
		}
		// DDL commits implicitly
		t.txStart = 0
		return []cdc.Record{cdc.DDLRecord(cdc.DDLStatement{
			Database:  string(e.Schema),
			Statement: query,
			Position:  cdc.Position{Log: t.file, Offset: start},
			Timestamp: ts,
		})}

	case *replication.RowsEvent:
		op, ok := rowsOperation(h.EventType)
		if !ok || e.Table == nil {
			return nil
		}
		table := cdc.NewTableID(string(e.Table.Schema), string(e.Table.Table))
		var out []cdc.Record
		emit := func(row int, before, after []any) {
			out = append(out, cdc.RowRecord(cdc.RawRowChange{
				Table:     table,
				Op:        op,
				Before:    before,
				After:     after,
				Position:  cdc.Position{Log: t.file, Offset: start, Row: row, Restart: t.txStart},
				Timestamp: ts,
			}))
		}
		switch op {
		case cdc.OpInsert:
			for i, r := range e.Rows {
				emit(i, nil, r)
			}
		case cdc.OpDelete:
			for i, r := range e.Rows {
				emit(i, r, nil)
			}
		case cdc.OpUpdate:
			for i := 0; i+1 < len(e.Rows); i += 2 {
				emit(i/2, e.Rows[i], e.Rows[i+1])
			}
		}
		return out

	case *replication.GTIDEvent, *replication.MariadbGTIDEvent:
		t.txStart = start
		return nil

	case *replication.XIDEvent:
		t.txStart = 0
		return nil
	}
	return nil
}

// restartOffset is the binlog offset to reopen the stream at so that the record at from
// can be decoded again. Records between it and from are skipped by the caller.
func restartOffset(from cdc.Position) uint64 {
	offset := from.Offset
	if from.Restart != 0 && from.Restart < offset {
		offset = from.Restart
	}
	if offset < firstEventOffset {
		offset = firstEventOffset
	}
	return offset
}

func rowsOperation(t replication.EventType) (cdc.Operation, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return cdc.OpInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return cdc.OpUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return cdc.OpDelete, true
	}
	return "", false
}

func isTransactionControl(query string) bool {
	q := strings.ToUpper(strings.TrimRight(query, "; \t\r\n"))
	switch {
	case q == "BEGIN", q == "COMMIT", q == "ROLLBACK", q == "START TRANSACTION":
		return true
	case strings.HasPrefix(q, "XA "), strings.HasPrefix(q, "SAVEPOINT "):
		return true
	}
	return false
}

// firstRow returns the first row of a SHOW statement as strings, whatever its column count
func firstRow(ctx context.Context, conn *sql.DB, query string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New(query + " returned no rows")
	}
	raw := make([]sql.RawBytes, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = string(b)
	}
	return out, nil
}
