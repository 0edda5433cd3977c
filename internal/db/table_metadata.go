package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

func (MySQL) ListTables(ctx context.Context, db *sql.DB) ([]cdc.TableID, error) {
	return queryTables(ctx, db, `
		SELECT TABLE_SCHEMA, TABLE_NAME FROM information_schema.TABLES
		WHERE TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_SCHEMA, TABLE_NAME`)
}

func (MySQL) DescribeTable(ctx context.Context, db *sql.DB, id cdc.TableID) (*schema.TableSchema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, EXTRA
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, id.Database, id.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", id, err)
	}
	var cols []schema.Column
	err = scanAll(rows, func() error {
		var name, typ, nullable, extra string
		if err := rows.Scan(&name, &typ, &nullable, &extra); err != nil {
			return err
		}
		cols = append(cols, schema.Column{
			Name:          name,
			Type:          strings.ToUpper(typ),
			Nullable:      nullable == "YES",
			AutoIncrement: strings.Contains(strings.ToLower(extra), "auto_increment"),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", id, err)
	}

	pk, err := queryStrings(ctx, db, `
		SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, id.Database, id.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", id, err)
	}
	return describe(id, cols, pk)
}

// ListTables returns the tables enabled for change data capture
func (SQLServer) ListTables(ctx context.Context, db *sql.DB) ([]cdc.TableID, error) {
	return queryTables(ctx, db, `
		SELECT s.name, t.name FROM sys.tables t
		JOIN sys.schemas s ON t.schema_id = s.schema_id
		WHERE t.is_tracked_by_cdc = 1 AND t.is_ms_shipped = 0
		ORDER BY s.name, t.name`)
}

func (SQLServer) DescribeTable(ctx context.Context, db *sql.DB, id cdc.TableID) (*schema.TableSchema, error) {
	query := `
		SELECT COLUMN_NAME, DATA_TYPE, CHARACTER_MAXIMUM_LENGTH, IS_NULLABLE,
			COLUMNPROPERTY(OBJECT_ID(TABLE_SCHEMA + '.' + TABLE_NAME), COLUMN_NAME, 'IsIdentity')
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @tableName
		ORDER BY ORDINAL_POSITION`
	rows, err := db.QueryContext(ctx, query, sql.Named("schema", id.Database), sql.Named("tableName", id.Table))
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", id, err)
	}
	var cols []schema.Column
	err = scanAll(rows, func() error {
		var name, typ, nullable string
		var length, identity sql.NullInt64
		if err := rows.Scan(&name, &typ, &length, &nullable, &identity); err != nil {
			return err
		}
		typ = strings.ToUpper(typ)
		switch {
		case length.Valid && length.Int64 == -1:
			typ += "(MAX)"
		case length.Valid:
			typ += fmt.Sprintf("(%d)", length.Int64)
		}
		cols = append(cols, schema.Column{
			Name:          name,
			Type:          typ,
			Nullable:      nullable == "YES",
			AutoIncrement: identity.Valid && identity.Int64 == 1,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", id, err)
	}

	pk, err := queryStrings(ctx, db, `
		SELECT k.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS c
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
			ON c.CONSTRAINT_NAME = k.CONSTRAINT_NAME AND c.TABLE_SCHEMA = k.TABLE_SCHEMA
		WHERE c.CONSTRAINT_TYPE = 'PRIMARY KEY' AND c.TABLE_SCHEMA = @schema AND c.TABLE_NAME = @tableName
		ORDER BY k.ORDINAL_POSITION`, sql.Named("schema", id.Database), sql.Named("tableName", id.Table))
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", id, err)
	}
	return describe(id, cols, pk)
}

func (SQLite) ListTables(ctx context.Context, db *sql.DB) ([]cdc.TableID, error) {
	names, err := queryStrings(ctx, db,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	ids := make([]cdc.TableID, len(names))
	for i, n := range names {
		ids[i] = cdc.NewTableID("main", n)
	}
	return ids, nil
}

func (d SQLite) DescribeTable(ctx context.Context, db *sql.DB, id cdc.TableID) (*schema.TableSchema, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+d.QuoteIdent(id.Table)+")")
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", id, err)
	}
	type keyCol struct {
		name string
		seq  int
	}
	var cols []schema.Column
	var keys []keyCol
	err = scanAll(rows, func() error {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		cols = append(cols, schema.Column{Name: name, Type: strings.ToUpper(typ), Nullable: notNull == 0})
		if pk > 0 {
			keys = append(keys, keyCol{name: name, seq: pk})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", id, err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].seq < keys[j].seq })
	pk := make([]string, len(keys))
	for i, k := range keys {
		pk[i] = k.name
	}
	return describe(id, cols, pk)
}

func describe(id cdc.TableID, cols []schema.Column, pk []string) (*schema.TableSchema, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found", id)
	}
	return schema.NewTableSchema(id, cols, pk), nil
}

func queryTables(ctx context.Context, db *sql.DB, query string) ([]cdc.TableID, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	var ids []cdc.TableID
	err = scanAll(rows, func() error {
		var database, table string
		if err := rows.Scan(&database, &table); err != nil {
			return err
		}
		ids = append(ids, cdc.NewTableID(database, table))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return ids, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []string
	err = scanAll(rows, func() error {
		var s string
		if err := rows.Scan(&s); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func scanAll(rows *sql.Rows, scan func() error) error {
	defer rows.Close()
	for rows.Next() {
		if err := scan(); err != nil {
			return err
		}
	}
	return rows.Err()
}
