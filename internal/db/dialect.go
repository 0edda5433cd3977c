// Package db holds the SQL dialects the capture pipeline reads from and the
// catalog queries used to discover tables and their definitions.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-capture/internal/schema"
	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// Dialect renders queries and reads the catalog of one database flavour.
//
// TableID.Database is the MySQL database, the SQL Server schema (dbo) or "main" for SQLite.
type Dialect interface {
	Name() string
	Driver() string
	QuoteIdent(name string) string
	QuoteTable(id cdc.TableID) string
	// Placeholder returns the bind parameter for the n-th argument, starting at 1
	Placeholder(n int) string
	// Page appends a row limit and offset to a query that already has ORDER BY
	Page(query string, limit int, offset int64) string

	ListTables(ctx context.Context, db *sql.DB) ([]cdc.TableID, error)
	DescribeTable(ctx context.Context, db *sql.DB, id cdc.TableID) (*schema.TableSchema, error)
}

// DialectFor returns the dialect for a source type: mysql, sqlserver or sqlite
func DialectFor(sourceType string) (Dialect, error) {
	switch strings.ToLower(sourceType) {
	case "mysql", "mariadb":
		return MySQL{}, nil
	case "sqlserver", "mssql":
		return SQLServer{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("unsupported source type %q", sourceType)
}

// MySQL speaks the MySQL dialect through go-sql-driver/mysql
type MySQL struct{}

func (MySQL) Name() string   { return "mysql" }
func (MySQL) Driver() string { return "mysql" }

func (MySQL) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d MySQL) QuoteTable(id cdc.TableID) string {
	return d.QuoteIdent(id.Database) + "." + d.QuoteIdent(id.Table)
}

func (MySQL) Placeholder(int) string { return "?" }

func (MySQL) Page(query string, limit int, offset int64) string {
	return fmt.Sprintf("%s LIMIT %d OFFSET %d", query, limit, offset)
}

// SQLServer speaks T-SQL through go-mssqldb
type SQLServer struct{}

func (SQLServer) Name() string   { return "sqlserver" }
func (SQLServer) Driver() string { return "sqlserver" }

func (SQLServer) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d SQLServer) QuoteTable(id cdc.TableID) string {
	return d.QuoteIdent(id.Database) + "." + d.QuoteIdent(id.Table)
}

func (SQLServer) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (SQLServer) Page(query string, limit int, offset int64) string {
	return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", query, offset, limit)
}

// SQLite is used for local sources and tests
type SQLite struct{}

func (SQLite) Name() string   { return "sqlite" }
func (SQLite) Driver() string { return "sqlite3" }

func (SQLite) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteTable ignores the database part: SQLite connections see a single "main" database
func (d SQLite) QuoteTable(id cdc.TableID) string {
	return d.QuoteIdent(id.Table)
}

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) Page(query string, limit int, offset int64) string {
	return fmt.Sprintf("%s LIMIT %d OFFSET %d", query, limit, offset)
}
