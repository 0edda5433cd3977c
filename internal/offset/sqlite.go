package offset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

const createOffsetTable = `
CREATE TABLE IF NOT EXISTS capture_offsets (
	server_name TEXT PRIMARY KEY,
	offset_json TEXT NOT NULL,
	updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

// SQLiteStore keeps one offset row per source server
type SQLiteStore struct {
	db     *sql.DB
	server string
}

// NewSQLiteStore opens the database at path
func NewSQLiteStore(path, server string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open offset database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createOffsetTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create capture_offsets table: %w", err)
	}
	return &SQLiteStore{db: db, server: server}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*cdc.Offset, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT offset_json FROM capture_offsets WHERE server_name = ?`, s.server).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load offset for %s: %w", s.server, err)
	}
	return cdc.DecodeOffset([]byte(data))
}

func (s *SQLiteStore) Save(ctx context.Context, offset cdc.Offset) error {
	data, err := cdc.EncodeOffset(offset)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO capture_offsets (server_name, offset_json, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(server_name) DO UPDATE SET offset_json = excluded.offset_json, updated_at = excluded.updated_at`,
		s.server, string(data))
	if err != nil {
		return fmt.Errorf("failed to save offset for %s: %w", s.server, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
