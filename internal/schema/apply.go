package schema

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// applyAlter returns the schema produced by applying specs to t. t itself is not modified.
func applyAlter(t *TableSchema, specs []AlterSpec) (*TableSchema, error) {
	next := t.clone()
	for _, spec := range specs {
		if err := next.apply(spec); err != nil {
			return nil, err
		}
	}
	next.renumber()
	return next, nil
}

func (t *TableSchema) apply(spec AlterSpec) error {
	switch spec.Action {
	case AlterNoOp:
		return nil
	case AlterAddColumn:
		if i := t.ColumnIndex(spec.Column.Name); i >= 0 {
			// re-delivered DDL that introspection already reflects
			if strings.EqualFold(t.Columns[i].Type, spec.Column.Type) {
				return nil
			}
			return fmt.Errorf("column %s already exists", spec.Column.Name)
		}
		if err := t.insertColumn(spec.Column, spec.First, spec.After); err != nil {
			return err
		}
	case AlterDropColumn:
		i := t.ColumnIndex(spec.Name)
		if i < 0 {
			return nil
		}
		t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)
		t.PrimaryKey = removeName(t.PrimaryKey, spec.Name)
	case AlterModifyColumn, AlterChangeColumn:
		old := spec.Name
		if spec.Action == AlterModifyColumn {
			old = spec.Column.Name
		}
		i := t.ColumnIndex(old)
		if i < 0 {
			return fmt.Errorf("column %s does not exist", old)
		}
		if !strings.EqualFold(old, spec.Column.Name) && t.ColumnIndex(spec.Column.Name) >= 0 {
			return fmt.Errorf("column %s already exists", spec.Column.Name)
		}
		col := spec.Column
		if t.IsKey(old) {
			col.Nullable = false
		}
		t.PrimaryKey = renameName(t.PrimaryKey, old, col.Name)
		if spec.First || spec.After != "" {
			t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)
			if err := t.insertColumn(col, spec.First, spec.After); err != nil {
				return err
			}
		} else {
			t.Columns[i] = col
		}
	case AlterRenameColumn:
		i := t.ColumnIndex(spec.Name)
		if i < 0 {
			return fmt.Errorf("column %s does not exist", spec.Name)
		}
		if t.ColumnIndex(spec.Column.Name) >= 0 {
			return fmt.Errorf("column %s already exists", spec.Column.Name)
		}
		t.PrimaryKey = renameName(t.PrimaryKey, spec.Name, spec.Column.Name)
		t.Columns[i].Name = spec.Column.Name
	case AlterRenameTable:
		t.ID = spec.NewTable
	case AlterAddPrimaryKey:
		for _, k := range spec.Columns {
			if t.ColumnIndex(k) < 0 {
				return fmt.Errorf("primary key column %s does not exist", k)
			}
		}
		t.PrimaryKey = append([]string(nil), spec.Columns...)
	case AlterDropPrimaryKey:
		t.PrimaryKey = nil
	default:
		return fmt.Errorf("unknown alter action %d", spec.Action)
	}

	if spec.InlinePK {
		t.PrimaryKey = []string{spec.Column.Name}
	}
	for i := range t.Columns {
		if t.IsKey(t.Columns[i].Name) {
			t.Columns[i].Nullable = false
		}
	}
	return nil
}

func (t *TableSchema) insertColumn(col Column, first bool, after string) error {
	at := len(t.Columns)
	switch {
	case first:
		at = 0
	case after != "":
		i := t.ColumnIndex(after)
		if i < 0 {
			return fmt.Errorf("column %s does not exist", after)
		}
		at = i + 1
	}
	t.Columns = append(t.Columns, Column{})
	copy(t.Columns[at+1:], t.Columns[at:])
	t.Columns[at] = col
	return nil
}

func removeName(names []string, name string) []string {
	out := names[:0:0]
	for _, n := range names {
		if !strings.EqualFold(n, name) {
			out = append(out, n)
		}
	}
	return out
}

func renameName(names []string, from, to string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		if strings.EqualFold(n, from) {
			n = to
		}
		out[i] = n
	}
	return out
}

// schemaFromCreate builds a table schema from a parsed CREATE TABLE body
func schemaFromCreate(id cdc.TableID, create *CreateTable) (*TableSchema, error) {
	if len(create.Columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", id)
	}
	seen := make(map[string]bool, len(create.Columns))
	for _, c := range create.Columns {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return nil, fmt.Errorf("duplicate column %s", c.Name)
		}
		seen[key] = true
	}
	for _, k := range create.PrimaryKey {
		if !seen[strings.ToLower(k)] {
			return nil, fmt.Errorf("primary key column %s does not exist", k)
		}
	}
	return NewTableSchema(id, create.Columns, create.PrimaryKey), nil
}
