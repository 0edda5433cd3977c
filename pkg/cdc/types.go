package cdc

import (
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of change an event or raw change represents
type Operation string

const (
	// OpInsert represents a new row being added
	OpInsert Operation = "insert"
	// OpUpdate represents a row being modified in place
	OpUpdate Operation = "update"
	// OpDelete represents a row being removed
	OpDelete Operation = "delete"
	// OpTombstone follows every delete and carries only the deleted key
	OpTombstone Operation = "tombstone"
	// OpSchemaChange carries a DDL statement applied to the source
	OpSchemaChange Operation = "schema_change"
)

// TableID identifies a table as database.table
type TableID struct {
	Database string
	Table    string
}

// NewTableID builds a TableID from its parts
func NewTableID(database, table string) TableID {
	return TableID{Database: database, Table: table}
}

// ParseTableID parses "database.table". A name without a dot is taken as a table in defaultDB.
func ParseTableID(name, defaultDB string) (TableID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return TableID{}, fmt.Errorf("empty table name")
	}
	db, table, ok := strings.Cut(name, ".")
	if !ok {
		return TableID{Database: defaultDB, Table: name}, nil
	}
	if db == "" || table == "" || strings.Contains(table, ".") {
		return TableID{}, fmt.Errorf("invalid table name %q", name)
	}
	return TableID{Database: db, Table: table}, nil
}

// String returns the fully-qualified name
func (t TableID) String() string {
	if t.Database == "" {
		return t.Table
	}
	return t.Database + "." + t.Table
}

// MarshalText lets TableID be used as a JSON string and map key
func (t TableID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses the fully-qualified name
func (t *TableID) UnmarshalText(b []byte) error {
	id, err := ParseTableID(string(b), "")
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// Position is a point in the source change log.
//
// Log names the log segment (binlog file, or commit LSN as fixed-width hex), Offset is the
// byte offset inside it, Seq orders records within one commit and Row indexes a row inside
// a multi-row log event. Positions compare field by field in that order.
//
// Restart is where a tailer has to reopen the log to read the record again, when that
// differs from Offset: a binlog rows event can only be decoded after the table map events
// of its transaction. Restart does not take part in ordering.
type Position struct {
	Log     string `json:"log"`
	Offset  uint64 `json:"offset"`
	Seq     string `json:"seq,omitempty"`
	Row     int    `json:"row,omitempty"`
	Restart uint64 `json:"restart,omitempty"`
}

// IsZero reports whether the position is unset, which tailers treat as "earliest"
func (p Position) IsZero() bool {
	return p.Log == "" && p.Offset == 0 && p.Seq == "" && p.Row == 0
}

// Compare returns -1, 0 or +1
func (p Position) Compare(o Position) int {
	if c := strings.Compare(p.Log, o.Log); c != 0 {
		return c
	}
	switch {
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	if c := strings.Compare(p.Seq, o.Seq); c != 0 {
		return c
	}
	switch {
	case p.Row < o.Row:
		return -1
	case p.Row > o.Row:
		return 1
	}
	return 0
}

// Before reports whether p sorts strictly before o
func (p Position) Before(o Position) bool { return p.Compare(o) < 0 }

func (p Position) String() string {
	s := fmt.Sprintf("%s:%d", p.Log, p.Offset)
	if p.Seq != "" {
		s += "/" + p.Seq
	}
	if p.Row != 0 {
		s += fmt.Sprintf("#%d", p.Row)
	}
	return s
}

// RawRowChange is one row-level change as read from the snapshot or the change log.
// Before and After are positional images aligned with the columns of the table schema
// in effect at Position. Before is set for update and delete, After for insert and update.
type RawRowChange struct {
	Table     TableID
	Op        Operation
	Before    []any
	After     []any
	Position  Position
	Timestamp time.Time
}

// DDLStatement is a schema-changing statement read from the change log
type DDLStatement struct {
	Database  string
	Statement string
	Position  Position
	Timestamp time.Time
}

// RecordKind tags the variant held by a Record
type RecordKind int

const (
	RecordRow RecordKind = iota + 1
	RecordDDL
	RecordEnd
)

func (k RecordKind) String() string {
	switch k {
	case RecordRow:
		return "row"
	case RecordDDL:
		return "ddl"
	case RecordEnd:
		return "end"
	default:
		return fmt.Sprintf("RecordKind(%d)", int(k))
	}
}

// Record is the unit a LogTailer produces: a row change, a DDL statement or the end of the stream
type Record struct {
	Kind RecordKind
	Row  *RawRowChange
	DDL  *DDLStatement
}

// RowRecord wraps a raw row change
func RowRecord(c RawRowChange) Record { return Record{Kind: RecordRow, Row: &c} }

// DDLRecord wraps a DDL statement
func DDLRecord(d DDLStatement) Record { return Record{Kind: RecordDDL, DDL: &d} }

// EndRecord marks the end of a finite change log
func EndRecord() Record { return Record{Kind: RecordEnd} }

// Position returns the source position of the wrapped value
func (r Record) Position() Position {
	switch r.Kind {
	case RecordRow:
		return r.Row.Position
	case RecordDDL:
		return r.DDL.Position
	default:
		return Position{}
	}
}

// Source is the provenance attached to every emitted event
type Source struct {
	Server    string   `json:"server,omitempty"`
	Database  string   `json:"db"`
	Table     string   `json:"table,omitempty"`
	Position  Position `json:"position"`
	Timestamp int64    `json:"ts_ms"`
	Snapshot  bool     `json:"snapshot"`
}

// ChangeEvent is a single emitted change. Tombstones carry only Key.
type ChangeEvent struct {
	Table  TableID        `json:"table"`
	Op     Operation      `json:"op"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
	Key    map[string]any `json:"key,omitempty"`
	Source Source         `json:"source"`
	DDL    string         `json:"ddl,omitempty"`

	// Offset is committed by the host once this event has been delivered
	Offset Offset `json:"-"`
}

// Batch is the result of one poll
type Batch struct {
	Events []ChangeEvent
	// Offset after the last event, nil when nothing advanced
	Offset *Offset
	// Errors are non-fatal, per-table problems such as unresolved schemas
	Errors []error
}
