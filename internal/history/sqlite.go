package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/katasec/dstream-ingester-capture/internal/schema"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS schema_history (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	pipeline   TEXT NOT NULL,
	position   TEXT NOT NULL,
	ddl        TEXT NOT NULL,
	entry      TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schema_history_pipeline ON schema_history (pipeline, seq);
`

// SQLiteStore keeps the history of one or more pipelines in a SQLite database
type SQLiteStore struct {
	db       *sql.DB
	pipeline string
}

// NewSQLiteStore opens the database at path and scopes all reads and writes to pipeline
func NewSQLiteStore(path, pipeline string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createHistoryTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema_history table: %w", err)
	}
	return &SQLiteStore{db: db, pipeline: pipeline}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, entry schema.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize history entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schema_history (pipeline, position, ddl, entry) VALUES (?, ?, ?, ?)`,
		s.pipeline, entry.Position.String(), entry.DDL, string(data))
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]schema.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM schema_history WHERE pipeline = ? ORDER BY seq`, s.pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var entries []schema.HistoryEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var entry schema.HistoryEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("corrupt history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schema_history WHERE pipeline = ?`, s.pipeline)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
