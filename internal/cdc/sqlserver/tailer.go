// Package sqlserver tails SQL Server change data capture tables.
package sqlserver

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-capture/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-capture/internal/db"
	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

const (
	defaultPollInterval    = 1 * time.Second
	defaultMaxPollInterval = 30 * time.Second
)

// Config configures the change-table tailer
type Config struct {
	ConnectionString string
	PollInterval     time.Duration
	MaxPollInterval  time.Duration
	// Include limits the capture instances read; nil reads every instance
	Include func(cdc.TableID) bool
	Logger  hclog.Logger
}

// Tailer merges the change tables of every capture instance, and cdc.ddl_history,
// into one stream ordered by (start_lsn, seqval)
type Tailer struct {
	cfg      Config
	log      hclog.Logger
	dbConn   *sql.DB
	monitors []*TableMonitor
	backoff  *utils.BackoffManager
	cancel   context.CancelFunc

	ddlFrom      []byte
	ddlInclusive bool
	ddlPolled    bool
	ddlBuffer    []cdc.DDLStatement
}

// New validates the configuration. The connection is opened on first use.
func New(cfg Config) (*Tailer, error) {
	if cfg.ConnectionString == "" {
		return nil, cerrors.NewMissingOptionError("source.connection_string")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxPollInterval <= 0 {
		cfg.MaxPollInterval = defaultMaxPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Tailer{cfg: cfg, log: logger}, nil
}

func (t *Tailer) connection(ctx context.Context) (*sql.DB, error) {
	if t.dbConn != nil {
		return t.dbConn, nil
	}
	conn, err := db.Connect(ctx, db.SQLServer{}, t.cfg.ConnectionString)
	if err != nil {
		return nil, cerrors.NewTailerDisconnectedError("failed to connect to sql server", err)
	}
	t.dbConn = conn
	return conn, nil
}

// Start discovers the capture instances and positions every change table at from
func (t *Tailer) Start(ctx context.Context, from cdc.Position) error {
	t.stopSizers()
	conn, err := t.connection(ctx)
	if err != nil {
		return err
	}
	lsn, seq, err := positionLSN(from)
	if err != nil {
		return cerrors.NewInternalError("cannot resume change tables", err)
	}

	instances, err := captureInstances(ctx, conn)
	if err != nil {
		return cerrors.NewTailerDisconnectedError("failed to list capture instances", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.monitors = nil
	for _, ci := range instances {
		if t.cfg.Include != nil && !t.cfg.Include(ci.table) {
			continue
		}
		m, err := NewTableMonitor(ctx, conn, ci.table, ci.name, t.log.Named(ci.name))
		if err != nil {
			return cerrors.NewTailerDisconnectedError("failed to prepare change table", err)
		}
		if err := m.batchSizer.Start(runCtx); err != nil {
			return cerrors.NewTailerDisconnectedError("failed to size batches", err)
		}
		m.Seek(lsn, seq)
		t.monitors = append(t.monitors, m)
	}
	t.ddlFrom, t.ddlInclusive, t.ddlPolled, t.ddlBuffer = lsn, true, false, nil
	t.backoff = utils.NewBackoffManager(t.cfg.PollInterval, t.cfg.MaxPollInterval)
	t.log.Info("Tailing change tables", "instances", len(t.monitors), "lsn", hex.EncodeToString(lsn), "seq", hex.EncodeToString(seq))
	return nil
}

// Next returns the change with the lowest (start_lsn, seqval) across all change tables.
// When every table is drained it polls with backoff until a change arrives or ctx is done.
func (t *Tailer) Next(ctx context.Context) (cdc.Record, error) {
	if t.backoff == nil {
		return cdc.Record{}, cerrors.NewTailerDisconnectedError("change tables are not started", nil)
	}
	for {
		if err := t.refill(ctx); err != nil {
			if ctx.Err() != nil {
				return cdc.Record{}, ctx.Err()
			}
			return cdc.Record{}, cerrors.NewTailerDisconnectedError("failed to poll change tables", err)
		}
		if rec, ok := t.pop(); ok {
			t.backoff.ResetInterval()
			return rec, nil
		}
		t.log.Debug("No changes found", "nextPollIn", t.backoff.GetInterval())
		if err := t.backoff.Wait(ctx); err != nil {
			return cdc.Record{}, err
		}
		for _, m := range t.monitors {
			m.drained = false
		}
		t.ddlPolled = false
	}
}

// refill fetches from every table whose buffer is empty and not known to be drained,
// so the heads compared by pop are the true minimum of each table
func (t *Tailer) refill(ctx context.Context) error {
	fetched := false
	for _, m := range t.monitors {
		if len(m.buffer) == 0 && !m.drained {
			if err := m.fetch(ctx); err != nil {
				return err
			}
			fetched = true
		}
	}
	if len(t.ddlBuffer) == 0 && (fetched || !t.ddlPolled) {
		stmts, err := t.fetchDDL(ctx)
		if err != nil {
			return err
		}
		t.ddlBuffer, t.ddlPolled = stmts, true
	}
	return nil
}

func (t *Tailer) pop() (cdc.Record, bool) {
	var best *TableMonitor
	for _, m := range t.monitors {
		if len(m.buffer) == 0 {
			continue
		}
		if best == nil || m.buffer[0].Position.Before(best.buffer[0].Position) {
			best = m
		}
	}
	// DDL sorts before row changes at the same LSN: its position carries no seqval
	if len(t.ddlBuffer) > 0 && (best == nil || !best.buffer[0].Position.Before(t.ddlBuffer[0].Position)) {
		d := t.ddlBuffer[0]
		t.ddlBuffer = t.ddlBuffer[1:]
		return cdc.DDLRecord(d), true
	}
	if best == nil {
		return cdc.Record{}, false
	}
	change := best.buffer[0]
	best.buffer = best.buffer[1:]
	return cdc.RowRecord(change), true
}

func (t *Tailer) fetchDDL(ctx context.Context) ([]cdc.DDLStatement, error) {
	op := ">"
	if t.ddlInclusive {
		op = ">="
	}
	query := fmt.Sprintf(`
		SELECT h.ddl_lsn, OBJECT_SCHEMA_NAME(h.source_object_id), h.ddl_command, h.ddl_time
		FROM cdc.ddl_history h
		WHERE h.ddl_lsn %s @fromLSN
		ORDER BY h.ddl_lsn`, op)
	rows, err := t.dbConn.QueryContext(ctx, query, sql.Named("fromLSN", t.ddlFrom))
	if err != nil {
		return nil, fmt.Errorf("failed to read ddl history: %w", err)
	}
	defer rows.Close()

	var out []cdc.DDLStatement
	for rows.Next() {
		var (
			lsn     []byte
			schema  sql.NullString
			command string
			ddlTime sql.NullTime
		)
		if err := rows.Scan(&lsn, &schema, &command, &ddlTime); err != nil {
			return nil, fmt.Errorf("failed to scan ddl history: %w", err)
		}
		out = append(out, cdc.DDLStatement{
			Database:  schema.String,
			Statement: command,
			Position:  lsnPosition(lsn, nil),
			Timestamp: ddlTime.Time,
		})
		t.ddlFrom, t.ddlInclusive = lsn, false
	}
	return out, rows.Err()
}

// CurrentPosition returns the highest LSN written to the change tables
func (t *Tailer) CurrentPosition(ctx context.Context) (cdc.Position, error) {
	conn, err := t.connection(ctx)
	if err != nil {
		return cdc.Position{}, err
	}
	var lsn []byte
	if err := conn.QueryRowContext(ctx, "SELECT sys.fn_cdc_get_max_lsn()").Scan(&lsn); err != nil {
		return cdc.Position{}, cerrors.NewTailerDisconnectedError("failed to read max LSN", err)
	}
	if len(lsn) == 0 {
		return cdc.Position{}, cerrors.NewConfigError(cerrors.CodeInvalidOption, "change data capture is not enabled on the source database")
	}
	return lsnPosition(lsn, nil), nil
}

// Close stops batch sizing and closes the connection
func (t *Tailer) Close() error {
	t.stopSizers()
	t.monitors, t.backoff = nil, nil
	if t.dbConn != nil {
		err := t.dbConn.Close()
		t.dbConn = nil
		return err
	}
	return nil
}

func (t *Tailer) stopSizers() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

type captureInstance struct {
	table cdc.TableID
	name  string
}

func captureInstances(ctx context.Context, conn *sql.DB) ([]captureInstance, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT s.name, t.name, ct.capture_instance
		FROM cdc.change_tables ct
		JOIN sys.tables t ON ct.source_object_id = t.object_id
		JOIN sys.schemas s ON t.schema_id = s.schema_id
		ORDER BY s.name, t.name, ct.create_date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// A table may have two capture instances while its schema changes; the newest wins
	seen := make(map[cdc.TableID]bool)
	var out []captureInstance
	for rows.Next() {
		var schema, table, instance string
		if err := rows.Scan(&schema, &table, &instance); err != nil {
			return nil, err
		}
		id := cdc.NewTableID(schema, table)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, captureInstance{table: id, name: instance})
	}
	return out, rows.Err()
}
