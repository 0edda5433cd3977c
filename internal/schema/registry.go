package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	cerrors "github.com/katasec/dstream-ingester-capture/internal/errors"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

type version struct {
	pos    cdc.Position
	schema *TableSchema
	// unresolved is set when DDL for the table could not be interpreted
	unresolved string
}

// Registry holds every version of every known table and the history they were built from
type Registry struct {
	mu        sync.RWMutex
	store     HistoryStore
	log       hclog.Logger
	tables    map[cdc.TableID][]version
	recorded  map[string]HistoryEntry
	lastPos   cdc.Position
	currentDB string
}

// Applied is the outcome of a DDL statement that touched table definitions
type Applied struct {
	Entry HistoryEntry
	// Skipped is true when the statement was already part of the history
	Skipped bool
}

// NewRegistry creates an empty registry persisting to store
func NewRegistry(store HistoryStore, logger hclog.Logger) *Registry {
	if store == nil {
		store = &MemoryHistory{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		store:    store,
		log:      logger,
		tables:   make(map[cdc.TableID][]version),
		recorded: make(map[string]HistoryEntry),
	}
}

func historyKey(pos cdc.Position, ddl string) string {
	return pos.String() + "|" + ddl
}

// Rebuild discards in-memory state and replays the persisted history
func (r *Registry) Rebuild(ctx context.Context) (int, error) {
	entries, err := r.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load schema history: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Position.Before(entries[j].Position)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	for _, e := range entries {
		r.applyEntryLocked(e)
	}
	r.log.Info("Rebuilt schema registry from history", "entries", len(entries), "tables", len(r.liveTablesLocked()))
	return len(entries), nil
}

// Reset discards the persisted history and all in-memory state
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset schema history: %w", err)
	}
	r.resetLocked()
	return nil
}

func (r *Registry) resetLocked() {
	r.tables = make(map[cdc.TableID][]version)
	r.recorded = make(map[string]HistoryEntry)
	r.lastPos = cdc.Position{}
	r.currentDB = ""
}

// ApplyDDL interprets a DDL statement and records the resulting table definitions.
// It returns nil for statements that touch no table definition.
func (r *Registry) ApplyDDL(ctx context.Context, ddl cdc.DDLStatement) (*Applied, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.recorded[historyKey(ddl.Position, ddl.Statement)]; ok {
		return &Applied{Entry: e, Skipped: true}, nil
	}
	if ddl.Position.Before(r.lastPos) {
		r.log.Debug("Skipping DDL older than recorded history", "position", ddl.Position, "last", r.lastPos)
		return &Applied{Entry: HistoryEntry{Position: ddl.Position, Database: ddl.Database, DDL: ddl.Statement}, Skipped: true}, nil
	}

	defaultDB := ddl.Database
	if defaultDB == "" {
		defaultDB = r.currentDB
	}
	ts := ddl.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	entry := HistoryEntry{Position: ddl.Position, Database: defaultDB, DDL: ddl.Statement, Timestamp: ts}

	stmt, err := ParseDDL(ddl.Statement, defaultDB)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) && len(pe.Tables) > 0 {
			return nil, r.recordFailureLocked(ctx, entry, pe.Tables, err)
		}
		return nil, cerrors.NewSchemaParseError("", ddl.Statement, err)
	}

	var failure error
	switch stmt.Kind {
	case StmtIgnored:
		return nil, nil
	case StmtUse:
		entry.Database = stmt.Database
	case StmtCreateDatabase:
	case StmtDropDatabase:
		for _, id := range r.liveTablesLocked() {
			if id.Database == stmt.Database {
				entry.Dropped = append(entry.Dropped, id)
			}
		}
		entry.Affected = entry.Dropped
	case StmtCreateTable:
		entry.Affected = []cdc.TableID{stmt.Table}
		schema, err := r.createLocked(stmt)
		if err != nil {
			failure = err
			break
		}
		if schema != nil {
			entry.Tables = []*TableSchema{schema}
		}
	case StmtAlterTable:
		entry.Affected = []cdc.TableID{stmt.Table}
		cur, err := r.resolveLocked(stmt.Table, nil)
		if err != nil {
			failure = err
			break
		}
		next, err := applyAlter(cur, stmt.Alter)
		if err != nil {
			failure = err
			break
		}
		if next.ID != cur.ID {
			entry.Dropped = []cdc.TableID{cur.ID}
			entry.Affected = append(entry.Affected, next.ID)
			next.Version = r.nextVersionLocked(next.ID)
		} else {
			next.Version = r.nextVersionLocked(cur.ID)
		}
		entry.Tables = []*TableSchema{next}
	case StmtDropTable:
		for _, id := range stmt.Tables {
			entry.Affected = append(entry.Affected, id)
			if _, err := r.resolveLocked(id, nil); err == nil {
				entry.Dropped = append(entry.Dropped, id)
			}
		}
	case StmtRenameTable:
		failure = r.renameLocked(stmt.Renames, &entry)
	case StmtTruncate, StmtIndex:
		entry.Affected = []cdc.TableID{stmt.Table}
	}

	if failure != nil {
		return nil, r.recordFailureLocked(ctx, entry, entry.Affected, failure)
	}
	if err := r.persistLocked(ctx, entry); err != nil {
		return nil, err
	}
	return &Applied{Entry: entry}, nil
}

func (r *Registry) createLocked(stmt *Statement) (*TableSchema, error) {
	if cur, err := r.resolveLocked(stmt.Table, nil); err == nil && stmt.Create.IfNotExists {
		r.log.Debug("CREATE TABLE IF NOT EXISTS for known table", "table", stmt.Table, "version", cur.Version)
		return nil, nil
	}

	var schema *TableSchema
	if stmt.Create.Like != nil {
		src, err := r.resolveLocked(*stmt.Create.Like, nil)
		if err != nil {
			return nil, fmt.Errorf("CREATE TABLE LIKE %s: %w", stmt.Create.Like, err)
		}
		schema = src.clone()
		schema.ID = stmt.Table
	} else {
		var err error
		if schema, err = schemaFromCreate(stmt.Table, stmt.Create); err != nil {
			return nil, err
		}
	}
	schema.Version = r.nextVersionLocked(stmt.Table)
	return schema, nil
}

func (r *Registry) renameLocked(renames []Rename, entry *HistoryEntry) error {
	pending := make(map[cdc.TableID]*TableSchema)
	var order []cdc.TableID
	var sources []cdc.TableID
	for _, rn := range renames {
		entry.Affected = append(entry.Affected, rn.From, rn.To)
		src, ok := pending[rn.From]
		if ok {
			delete(pending, rn.From)
		} else {
			cur, err := r.resolveLocked(rn.From, nil)
			if err != nil {
				entry.Affected = []cdc.TableID{rn.To}
				return fmt.Errorf("RENAME TABLE %s: %w", rn.From, err)
			}
			src = cur
		}
		next := src.clone()
		next.ID = rn.To
		next.Version = r.nextVersionLocked(rn.To)
		pending[rn.To] = next
		order = append(order, rn.To)
		sources = append(sources, rn.From)
	}
	for _, id := range sources {
		if _, ok := pending[id]; !ok {
			entry.Dropped = append(entry.Dropped, id)
		}
	}
	for _, id := range order {
		if s, ok := pending[id]; ok {
			entry.Tables = append(entry.Tables, s)
			delete(pending, id)
		}
	}
	return nil
}

func (r *Registry) recordFailureLocked(ctx context.Context, entry HistoryEntry, tables []cdc.TableID, cause error) error {
	table := ""
	if len(tables) > 0 {
		table = tables[0].String()
	}
	parseErr := cerrors.NewSchemaParseError(table, entry.DDL, cause)
	if len(tables) == 0 {
		return parseErr
	}

	entry.Tables = nil
	entry.Dropped = nil
	entry.Affected = tables
	entry.Unresolved = tables
	entry.Error = cause.Error()
	r.log.Warn("Marking tables unresolvable after DDL failure", "tables", tables, "ddl", entry.DDL, "error", cause)
	if err := r.persistLocked(ctx, entry); err != nil {
		return err
	}
	return parseErr
}

func (r *Registry) persistLocked(ctx context.Context, entry HistoryEntry) error {
	if err := r.store.Append(ctx, entry); err != nil {
		return cerrors.NewInternalError("failed to append schema history", err)
	}
	r.applyEntryLocked(entry)
	return nil
}

func (r *Registry) applyEntryLocked(e HistoryEntry) {
	for _, id := range e.Dropped {
		r.tables[id] = append(r.tables[id], version{pos: e.Position})
	}
	for _, t := range e.Tables {
		r.tables[t.ID] = append(r.tables[t.ID], version{pos: e.Position, schema: t})
	}
	for _, id := range e.Unresolved {
		r.tables[id] = append(r.tables[id], version{pos: e.Position, unresolved: e.Error})
	}
	r.recorded[historyKey(e.Position, e.DDL)] = e
	if r.lastPos.Before(e.Position) {
		r.lastPos = e.Position
	}
	if e.Database != "" {
		r.currentDB = e.Database
	}
}

func (r *Registry) nextVersionLocked(id cdc.TableID) int {
	highest := 0
	for _, v := range r.tables[id] {
		if v.schema != nil && v.schema.Version > highest {
			highest = v.schema.Version
		}
	}
	return highest + 1
}

// RecordSnapshot records table definitions discovered by snapshot introspection.
// Definitions identical to the current version are not recorded again.
func (r *Registry) RecordSnapshot(ctx context.Context, pos cdc.Position, schemas []*TableSchema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pos.Before(r.lastPos) {
		pos = r.lastPos
	}
	for _, s := range schemas {
		if cur, err := r.resolveLocked(s.ID, nil); err == nil && cur.SameDefinition(s) {
			continue
		}
		next := s.clone()
		next.renumber()
		next.Version = r.nextVersionLocked(next.ID)
		entry := HistoryEntry{
			Position:  pos,
			Database:  next.ID.Database,
			DDL:       next.CreateStatement(),
			Tables:    []*TableSchema{next},
			Affected:  []cdc.TableID{next.ID},
			Snapshot:  true,
			Timestamp: time.Now().UTC(),
		}
		if err := r.persistLocked(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// Override replaces a table definition with a full CREATE TABLE statement and clears
// any unresolvable mark. A zero position records the override at the latest history position.
func (r *Registry) Override(ctx context.Context, pos cdc.Position, ddl string) (*TableSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stmt, err := ParseDDL(ddl, r.currentDB)
	if err != nil {
		return nil, cerrors.NewSchemaParseError("", ddl, err)
	}
	if stmt.Kind != StmtCreateTable || stmt.Create.Like != nil {
		return nil, cerrors.NewSchemaParseError(stmt.Table.String(), ddl, fmt.Errorf("override requires a CREATE TABLE statement with column definitions"))
	}
	schema, err := schemaFromCreate(stmt.Table, stmt.Create)
	if err != nil {
		return nil, cerrors.NewSchemaParseError(stmt.Table.String(), ddl, err)
	}
	schema.Version = r.nextVersionLocked(stmt.Table)
	if pos.IsZero() || pos.Before(r.lastPos) {
		pos = r.lastPos
	}
	entry := HistoryEntry{
		Position:  pos,
		Database:  r.currentDB,
		DDL:       ddl,
		Tables:    []*TableSchema{schema},
		Affected:  []cdc.TableID{schema.ID},
		Timestamp: time.Now().UTC(),
	}
	if err := r.persistLocked(ctx, entry); err != nil {
		return nil, err
	}
	r.log.Info("Schema overridden", "table", schema.ID, "version", schema.Version)
	return schema, nil
}

// Resolve returns the current definition of a table
func (r *Registry) Resolve(id cdc.TableID) (*TableSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(id, nil)
}

// ResolveAt returns the definition in effect at pos: the latest version recorded at or before it
func (r *Registry) ResolveAt(id cdc.TableID, pos cdc.Position) (*TableSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(id, &pos)
}

func (r *Registry) resolveLocked(id cdc.TableID, at *cdc.Position) (*TableSchema, error) {
	vs := r.tables[id]
	i := len(vs)
	if at != nil {
		i = sort.Search(len(vs), func(i int) bool { return at.Before(vs[i].pos) })
	}
	if i == 0 {
		return nil, cerrors.NewUnknownTableError(id.String())
	}
	v := vs[i-1]
	switch {
	case v.unresolved != "":
		return nil, cerrors.NewUnresolvedSchemaError(id.String(), "table definition could not be derived from DDL", errors.New(v.unresolved))
	case v.schema == nil:
		return nil, cerrors.NewUnknownTableError(id.String())
	}
	return v.schema, nil
}

// Tables returns the tables that currently exist, sorted by name
func (r *Registry) Tables() []cdc.TableID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveTablesLocked()
}

func (r *Registry) liveTablesLocked() []cdc.TableID {
	var ids []cdc.TableID
	for id, vs := range r.tables {
		if len(vs) > 0 && vs[len(vs)-1].schema != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// LastPosition returns the position of the newest history entry
func (r *Registry) LastPosition() cdc.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastPos
}
