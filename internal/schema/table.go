// Package schema tracks table definitions as they evolve through DDL.
//
// The Registry keeps every version of every table so a change can be interpreted
// against the schema that was in effect at its log position, and persists each
// applied change to an append-only history it can be rebuilt from.
package schema

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// Column is one column of a table definition
type Column struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Nullable      bool   `json:"nullable"`
	AutoIncrement bool   `json:"auto_increment,omitempty"`
	// Position is 1-based
	Position int `json:"position"`
}

// TableSchema is an immutable version of a table definition
type TableSchema struct {
	ID         cdc.TableID `json:"id"`
	Columns    []Column    `json:"columns"`
	PrimaryKey []string    `json:"primary_key,omitempty"`
	Version    int         `json:"version"`
}

// NewTableSchema builds a schema and numbers its columns
func NewTableSchema(id cdc.TableID, columns []Column, primaryKey []string) *TableSchema {
	t := &TableSchema{
		ID:         id,
		Columns:    append([]Column(nil), columns...),
		PrimaryKey: append([]string(nil), primaryKey...),
	}
	t.renumber()
	return t
}

func (t *TableSchema) clone() *TableSchema {
	cp := *t
	cp.Columns = append([]Column(nil), t.Columns...)
	cp.PrimaryKey = append([]string(nil), t.PrimaryKey...)
	return &cp
}

func (t *TableSchema) renumber() {
	for i := range t.Columns {
		t.Columns[i].Position = i + 1
	}
}

// ColumnIndex returns the index of the named column, matching case-insensitively, or -1
func (t *TableSchema) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// ColumnNames returns the column names in position order
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasPrimaryKey reports whether the table has a primary key
func (t *TableSchema) HasPrimaryKey() bool { return len(t.PrimaryKey) > 0 }

// KeyIndexes returns the column indexes of the primary key in key order
func (t *TableSchema) KeyIndexes() []int {
	idx := make([]int, 0, len(t.PrimaryKey))
	for _, k := range t.PrimaryKey {
		if i := t.ColumnIndex(k); i >= 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// IsKey reports whether the named column is part of the primary key
func (t *TableSchema) IsKey(name string) bool {
	for _, k := range t.PrimaryKey {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// SameDefinition reports whether two schemas describe the same columns and key
func (t *TableSchema) SameDefinition(o *TableSchema) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.ID != o.ID || len(t.Columns) != len(o.Columns) || len(t.PrimaryKey) != len(o.PrimaryKey) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != o.Columns[i] {
			return false
		}
	}
	for i := range t.PrimaryKey {
		if !strings.EqualFold(t.PrimaryKey[i], o.PrimaryKey[i]) {
			return false
		}
	}
	return true
}

// CreateStatement renders the schema as a CREATE TABLE statement the DDL parser accepts
func (t *TableSchema) CreateStatement() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (", quoteTable(t.ID))
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(c.Type)
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		if c.AutoIncrement {
			b.WriteString(" AUTO_INCREMENT")
		}
	}
	if len(t.PrimaryKey) > 0 {
		keys := make([]string, len(t.PrimaryKey))
		for i, k := range t.PrimaryKey {
			keys[i] = quoteIdent(k)
		}
		fmt.Fprintf(&b, ", PRIMARY KEY (%s)", strings.Join(keys, ", "))
	}
	b.WriteByte(')')
	return b.String()
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func quoteTable(id cdc.TableID) string {
	if id.Database == "" {
		return quoteIdent(id.Table)
	}
	return quoteIdent(id.Database) + "." + quoteIdent(id.Table)
}
