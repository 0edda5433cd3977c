// Package envelope turns positional raw changes into the change events handed to consumers.
package envelope

import (
	"bytes"
	"fmt"
	"reflect"

	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/internal/policy"
	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// Builder builds change events for one source server
type Builder struct {
	server string
	policy *policy.ColumnPolicy
}

// NewBuilder creates a builder stamping events with server. A nil policy keeps every column.
func NewBuilder(server string, p *policy.ColumnPolicy) *Builder {
	return &Builder{server: server, policy: p}
}

// Build maps one raw change to its events.
//
//	insert                -> insert
//	delete                -> delete, tombstone
//	update, same key      -> update
//	update, key changed   -> insert(new), delete(old), tombstone(old)
//
// All events of one raw change share its position.
func (b *Builder) Build(raw cdc.RawRowChange, ts *schema.TableSchema, snapshot bool) ([]cdc.ChangeEvent, error) {
	if ts == nil {
		return nil, cerrors.NewUnknownTableError(raw.Table.String())
	}

	var before, after map[string]any
	var err error
	if raw.Before != nil {
		if before, err = named(raw.Table, ts, raw.Before); err != nil {
			return nil, err
		}
	}
	if raw.After != nil {
		if after, err = named(raw.Table, ts, raw.After); err != nil {
			return nil, err
		}
	}

	src := b.source(raw, snapshot)
	event := func(op cdc.Operation) cdc.ChangeEvent {
		return cdc.ChangeEvent{Table: raw.Table, Op: op, Source: src}
	}

	switch raw.Op {
	case cdc.OpInsert:
		if after == nil {
			return nil, fmt.Errorf("insert on %s without an after image", raw.Table)
		}
		e := event(cdc.OpInsert)
		e.After = b.policy.Apply(raw.Table, after)
		e.Key = key(ts, after)
		return []cdc.ChangeEvent{e}, nil

	case cdc.OpDelete:
		if before == nil {
			return nil, fmt.Errorf("delete on %s without a before image", raw.Table)
		}
		return b.deletion(event, raw.Table, ts, before), nil

	case cdc.OpUpdate:
		if before == nil || after == nil {
			return nil, fmt.Errorf("update on %s needs both images", raw.Table)
		}
		oldKey, newKey := key(ts, before), key(ts, after)
		if ts.HasPrimaryKey() && !sameKey(oldKey, newKey) {
			ins := event(cdc.OpInsert)
			ins.After = b.policy.Apply(raw.Table, after)
			ins.Key = newKey
			return append([]cdc.ChangeEvent{ins}, b.deletion(event, raw.Table, ts, before)...), nil
		}
		e := event(cdc.OpUpdate)
		e.Before = b.policy.Apply(raw.Table, before)
		e.After = b.policy.Apply(raw.Table, after)
		e.Key = newKey
		return []cdc.ChangeEvent{e}, nil
	}
	return nil, fmt.Errorf("unsupported operation %q on %s", raw.Op, raw.Table)
}

func (b *Builder) deletion(event func(cdc.Operation) cdc.ChangeEvent, id cdc.TableID, ts *schema.TableSchema, before map[string]any) []cdc.ChangeEvent {
	del := event(cdc.OpDelete)
	del.Before = b.policy.Apply(id, before)
	del.Key = key(ts, before)
	tomb := event(cdc.OpTombstone)
	tomb.Key = del.Key
	return []cdc.ChangeEvent{del, tomb}
}

// SchemaChange builds one schema_change event per affected table of an applied statement.
// Statements affecting no table (CREATE DATABASE) yield a single database-level event.
func (b *Builder) SchemaChange(ddl cdc.DDLStatement, entry schema.HistoryEntry) []cdc.ChangeEvent {
	db := entry.Database
	if db == "" {
		db = ddl.Database
	}
	base := cdc.ChangeEvent{
		Op:  cdc.OpSchemaChange,
		DDL: ddl.Statement,
		Source: cdc.Source{
			Server:    b.server,
			Database:  db,
			Position:  ddl.Position,
			Timestamp: ddl.Timestamp.UnixMilli(),
		},
	}
	if len(entry.Affected) == 0 {
		base.Table = cdc.TableID{Database: db}
		return []cdc.ChangeEvent{base}
	}
	events := make([]cdc.ChangeEvent, 0, len(entry.Affected))
	for _, id := range entry.Affected {
		e := base
		e.Table = id
		e.Source.Table = id.Table
		events = append(events, e)
	}
	return events
}

func (b *Builder) source(raw cdc.RawRowChange, snapshot bool) cdc.Source {
	var ms int64
	if !raw.Timestamp.IsZero() {
		ms = raw.Timestamp.UnixMilli()
	}
	return cdc.Source{
		Server:    b.server,
		Database:  raw.Table.Database,
		Table:     raw.Table.Table,
		Position:  raw.Position,
		Timestamp: ms,
		Snapshot:  snapshot,
	}
}

func named(id cdc.TableID, ts *schema.TableSchema, image []any) (map[string]any, error) {
	if len(image) != len(ts.Columns) {
		return nil, cerrors.NewUnresolvedSchemaError(id.String(),
			fmt.Sprintf("row has %d values but schema version %d has %d columns", len(image), ts.Version, len(ts.Columns)), nil)
	}
	m := make(map[string]any, len(image))
	for i, c := range ts.Columns {
		m[c.Name] = image[i]
	}
	return m, nil
}

// key extracts the primary-key values from the unfiltered image
func key(ts *schema.TableSchema, image map[string]any) map[string]any {
	if !ts.HasPrimaryKey() {
		return nil
	}
	k := make(map[string]any, len(ts.PrimaryKey))
	for _, name := range ts.PrimaryKey {
		if i := ts.ColumnIndex(name); i >= 0 {
			col := ts.Columns[i].Name
			k[col] = image[col]
		}
	}
	return k
}

func sameKey(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !sameValue(av, bv) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok && bok {
		return bytes.Equal(ab, bb)
	}
	return reflect.DeepEqual(a, b)
}
