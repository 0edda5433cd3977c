package offset

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"

	"github.com/katasec/dstream-ingester-capture/internal/logging"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

var log = logging.Named("offset")

// Default checkpoint table name
const defaultCheckpointTableName = "cdc_offsets"

// SQLServerStore keeps offsets in a checkpoint table of a SQL Server database.
// For change-table sources the LSN and seqval are also written as binary columns.
type SQLServerStore struct {
	db              *sql.DB
	server          string
	checkpointTable string
}

// NewSQLServerStore uses db and creates the checkpoint table when missing
func NewSQLServerStore(ctx context.Context, db *sql.DB, server string, checkpointTableName ...string) (*SQLServerStore, error) {
	cpTable := defaultCheckpointTableName
	if len(checkpointTableName) > 0 && checkpointTableName[0] != "" {
		cpTable = checkpointTableName[0]
	}
	s := &SQLServerStore{db: db, server: server, checkpointTable: cpTable}
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLServerStore) initialize(ctx context.Context) error {
	createQuery := fmt.Sprintf(`
	IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
	BEGIN
		CREATE TABLE %s (
			server_name NVARCHAR(255) PRIMARY KEY,
			offset_json NVARCHAR(MAX) NOT NULL,
			last_lsn VARBINARY(10),
			last_seq VARBINARY(10),
			updated_at DATETIME DEFAULT GETDATE()
		);
	END`, s.checkpointTable, s.checkpointTable)

	if _, err := s.db.ExecContext(ctx, createQuery); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.checkpointTable, err)
	}
	log.Info("Initialized checkpoints table", "table", s.checkpointTable)
	return nil
}

func (s *SQLServerStore) Load(ctx context.Context) (*cdc.Offset, error) {
	var data string
	query := fmt.Sprintf("SELECT offset_json FROM %s WITH (NOLOCK) WHERE server_name = @serverName", s.checkpointTable)
	err := s.db.QueryRowContext(ctx, query, sql.Named("serverName", s.server)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load offset for %s: %w", s.server, err)
	}
	return cdc.DecodeOffset([]byte(data))
}

func (s *SQLServerStore) Save(ctx context.Context, offset cdc.Offset) error {
	data, err := cdc.EncodeOffset(offset)
	if err != nil {
		return err
	}
	lsn, seq := lsnColumns(offset.Position())

	upsertQuery := fmt.Sprintf(`
	MERGE INTO %s AS target
	USING (VALUES (@serverName, @offset, @lastLSN, @lastSeq, GETDATE())) AS source (server_name, offset_json, last_lsn, last_seq, updated_at)
	ON target.server_name = source.server_name
	WHEN MATCHED THEN
		UPDATE SET offset_json = source.offset_json, last_lsn = source.last_lsn, last_seq = source.last_seq, updated_at = source.updated_at
	WHEN NOT MATCHED THEN
		INSERT (server_name, offset_json, last_lsn, last_seq, updated_at)
		VALUES (source.server_name, source.offset_json, source.last_lsn, source.last_seq, source.updated_at);`, s.checkpointTable)

	_, err = s.db.ExecContext(ctx, upsertQuery,
		sql.Named("serverName", s.server),
		sql.Named("offset", string(data)),
		sql.Named("lastLSN", lsn),
		sql.Named("lastSeq", seq),
	)
	if err != nil {
		return fmt.Errorf("failed to save offset for %s: %w", s.server, err)
	}
	log.Debug("Saved offset", "server", s.server, "offset", offset.String())
	return nil
}

// Close leaves the shared connection open; its owner closes it
func (s *SQLServerStore) Close() error { return nil }

// lsnColumns decodes change-table positions, whose Log and Seq are hex LSNs.
// Other positions yield nil columns.
func lsnColumns(p cdc.Position) ([]byte, []byte) {
	lsn, err := hex.DecodeString(p.Log)
	if err != nil || len(lsn) != 10 {
		return nil, nil
	}
	seq, err := hex.DecodeString(p.Seq)
	if err != nil || len(seq) != 10 {
		return lsn, nil
	}
	return lsn, seq
}
