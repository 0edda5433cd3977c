package schema

import (
	"context"
	"time"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// HistoryEntry is one applied schema change. Entries are appended in position order and never rewritten.
type HistoryEntry struct {
	Position cdc.Position `json:"position"`
	// Database is the default database the statement ran against
	Database  string         `json:"database,omitempty"`
	DDL       string         `json:"ddl"`
	Tables    []*TableSchema `json:"tables,omitempty"`
	Dropped   []cdc.TableID  `json:"dropped,omitempty"`
	Affected  []cdc.TableID  `json:"affected,omitempty"`
	Snapshot  bool           `json:"snapshot,omitempty"`
	Timestamp time.Time      `json:"ts"`

	// Unresolved lists tables whose definition could not be derived from DDL; Error says why
	Unresolved []cdc.TableID `json:"unresolved,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// HistoryStore persists the schema history of one pipeline
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
	// Load returns every entry in append order
	Load(ctx context.Context) ([]HistoryEntry, error)
	// Reset discards the whole history
	Reset(ctx context.Context) error
	Close() error
}

// MemoryHistory keeps history in memory. Used when no durable store is configured and in tests.
type MemoryHistory struct {
	entries []HistoryEntry
}

func (m *MemoryHistory) Append(_ context.Context, entry HistoryEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryHistory) Load(context.Context) ([]HistoryEntry, error) {
	return append([]HistoryEntry(nil), m.entries...), nil
}

func (m *MemoryHistory) Reset(context.Context) error {
	m.entries = nil
	return nil
}

func (m *MemoryHistory) Close() error { return nil }
