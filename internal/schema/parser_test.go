package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

func TestLexerSkipsComments(t *testing.T) {
	toks, err := NewLexer("/*!40101 SET x */ CREATE -- trailing\n TABLE # hash\n `a``b` [c] 'it''s' 10.5").Tokenize()
	require.NoError(t, err)

	var lits []string
	for _, tok := range toks {
		lits = append(lits, tok.Literal)
	}
	assert.Equal(t, []string{"CREATE", "TABLE", "a`b", "c", "it's", "10.5"}, lits)
	assert.Equal(t, TokenQuotedIdent, toks[2].Type)
	assert.Equal(t, TokenString, toks[4].Type)
	assert.Equal(t, TokenNumber, toks[5].Type)
}

func TestLexerUnterminatedString(t *testing.T) {
	_, err := NewLexer("COMMENT 'oops").Tokenize()
	assert.Error(t, err)
}

func TestParseCreateTable(t *testing.T) {
	stmt, err := ParseDDL(`CREATE TABLE products (
		id INTEGER NOT NULL AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description VARCHAR(512),
		weight FLOAT,
		kind ENUM('a','b') DEFAULT 'a' COMMENT 'the kind',
		created TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		KEY idx_name (name),
		CONSTRAINT fk FOREIGN KEY (weight) REFERENCES other (w)
	) ENGINE=InnoDB AUTO_INCREMENT=101 DEFAULT CHARSET=utf8mb4;`, "inventory")
	require.NoError(t, err)

	require.Equal(t, StmtCreateTable, stmt.Kind)
	assert.Equal(t, cdc.NewTableID("inventory", "products"), stmt.Table)
	require.Len(t, stmt.Create.Columns, 6)
	assert.Equal(t, []string{"id"}, stmt.Create.PrimaryKey)

	id := stmt.Create.Columns[0]
	assert.Equal(t, "INTEGER", id.Type)
	assert.False(t, id.Nullable)
	assert.True(t, id.AutoIncrement)

	assert.Equal(t, "VARCHAR(512)", stmt.Create.Columns[2].Type)
	assert.True(t, stmt.Create.Columns[2].Nullable)
	assert.Equal(t, "ENUM('a','b')", stmt.Create.Columns[4].Type)
}

func TestParseCreateTableTableLevelKey(t *testing.T) {
	stmt, err := ParseDDL("CREATE TABLE IF NOT EXISTS `shop`.`orders_items` (`order_id` INT UNSIGNED, `line` INT, `qty` DECIMAL(10,2), PRIMARY KEY (`order_id`, `line`))", "inventory")
	require.NoError(t, err)

	assert.True(t, stmt.Create.IfNotExists)
	assert.Equal(t, cdc.NewTableID("shop", "orders_items"), stmt.Table)
	assert.Equal(t, []string{"order_id", "line"}, stmt.Create.PrimaryKey)
	assert.Equal(t, "INT UNSIGNED", stmt.Create.Columns[0].Type)
	assert.Equal(t, "DECIMAL(10,2)", stmt.Create.Columns[2].Type)
	assert.False(t, stmt.Create.Columns[0].Nullable, "key columns are implicitly NOT NULL")
}

func TestParseCreateTableLike(t *testing.T) {
	stmt, err := ParseDDL("CREATE TABLE t2 LIKE other.t1", "db")
	require.NoError(t, err)
	require.NotNil(t, stmt.Create.Like)
	assert.Equal(t, cdc.NewTableID("other", "t1"), *stmt.Create.Like)
}

func TestParseCreateTableAsSelectFails(t *testing.T) {
	_, err := ParseDDL("CREATE TABLE t2 AS SELECT * FROM t1", "db")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []cdc.TableID{cdc.NewTableID("db", "t2")}, pe.Tables)
}

func TestParseAlterTable(t *testing.T) {
	stmt, err := ParseDDL("ALTER TABLE inventory.products ADD COLUMN volume FLOAT, ADD COLUMN alias VARCHAR(30) NOT NULL AFTER description, DROP COLUMN weight, CHANGE name title VARCHAR(100) FIRST, RENAME COLUMN alias TO nickname, ADD INDEX idx (volume), ENGINE=InnoDB", "other")
	require.NoError(t, err)

	require.Equal(t, StmtAlterTable, stmt.Kind)
	assert.Equal(t, cdc.NewTableID("inventory", "products"), stmt.Table)
	require.Len(t, stmt.Alter, 7)

	assert.Equal(t, AlterAddColumn, stmt.Alter[0].Action)
	assert.Equal(t, "volume", stmt.Alter[0].Column.Name)
	assert.Equal(t, "description", stmt.Alter[1].After)
	assert.False(t, stmt.Alter[1].Column.Nullable)
	assert.Equal(t, AlterDropColumn, stmt.Alter[2].Action)
	assert.Equal(t, "weight", stmt.Alter[2].Name)
	assert.Equal(t, AlterChangeColumn, stmt.Alter[3].Action)
	assert.Equal(t, "name", stmt.Alter[3].Name)
	assert.True(t, stmt.Alter[3].First)
	assert.Equal(t, AlterRenameColumn, stmt.Alter[4].Action)
	assert.Equal(t, AlterNoOp, stmt.Alter[5].Action)
	assert.Equal(t, AlterNoOp, stmt.Alter[6].Action)
}

func TestParseAlterTableTSQL(t *testing.T) {
	stmt, err := ParseDDL("ALTER TABLE dbo.customers ADD loyalty INT NULL, tier NVARCHAR(MAX)", "dbo")
	require.NoError(t, err)
	require.Len(t, stmt.Alter, 2)
	assert.Equal(t, "tier", stmt.Alter[1].Column.Name)
	assert.Equal(t, "NVARCHAR(MAX)", stmt.Alter[1].Column.Type)

	stmt, err = ParseDDL("ALTER TABLE [dbo].[customers] ALTER COLUMN [email] NVARCHAR(400) NOT NULL", "dbo")
	require.NoError(t, err)
	require.Len(t, stmt.Alter, 1)
	assert.Equal(t, AlterModifyColumn, stmt.Alter[0].Action)
	assert.Equal(t, "email", stmt.Alter[0].Column.Name)
}

func TestParseAlterColumnDefault(t *testing.T) {
	stmt, err := ParseDDL("ALTER TABLE products ALTER COLUMN weight SET DEFAULT 1.5, ALTER name DROP DEFAULT", "inventory")
	require.NoError(t, err)
	require.Len(t, stmt.Alter, 2)
	assert.Equal(t, AlterNoOp, stmt.Alter[0].Action)
	assert.Equal(t, AlterNoOp, stmt.Alter[1].Action)
}

func TestParseAlterTableUnsupportedClause(t *testing.T) {
	_, err := ParseDDL("ALTER TABLE products FROBNICATE everything", "inventory")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []cdc.TableID{cdc.NewTableID("inventory", "products")}, pe.Tables)
}

func TestParseOtherStatements(t *testing.T) {
	tests := []struct {
		sql  string
		kind StatementKind
	}{
		{"BEGIN", StmtIgnored},
		{"INSERT INTO t VALUES (1)", StmtIgnored},
		{"GRANT ALL ON *.* TO 'x'@'%'", StmtIgnored},
		{"CREATE VIEW v AS SELECT 1", StmtIgnored},
		{"DROP TEMPORARY TABLE tmp", StmtIgnored},
		{"USE `inventory`", StmtUse},
		{"CREATE DATABASE IF NOT EXISTS inventory", StmtCreateDatabase},
		{"DROP SCHEMA inventory", StmtDropDatabase},
		{"DROP TABLE IF EXISTS a, other.b", StmtDropTable},
		{"RENAME TABLE a TO b, c TO d", StmtRenameTable},
		{"TRUNCATE TABLE orders", StmtTruncate},
		{"CREATE UNIQUE INDEX idx ON orders (id)", StmtIndex},
		{"DROP INDEX idx ON orders", StmtIndex},
	}
	for _, tt := range tests {
		stmt, err := ParseDDL(tt.sql, "inventory")
		require.NoError(t, err, tt.sql)
		assert.Equal(t, tt.kind, stmt.Kind, tt.sql)
	}

	stmt, err := ParseDDL("DROP TABLE IF EXISTS a, other.b", "inventory")
	require.NoError(t, err)
	assert.Equal(t, []cdc.TableID{cdc.NewTableID("inventory", "a"), cdc.NewTableID("other", "b")}, stmt.Tables)
}

func TestCreateStatementRoundTrip(t *testing.T) {
	orig := NewTableSchema(cdc.NewTableID("inventory", "customers"), []Column{
		{Name: "id", Type: "INT", AutoIncrement: true},
		{Name: "first_name", Type: "VARCHAR(255)"},
		{Name: "email", Type: "VARCHAR(255)", Nullable: true},
	}, []string{"id"})

	stmt, err := ParseDDL(orig.CreateStatement(), "")
	require.NoError(t, err)
	parsed, err := schemaFromCreate(stmt.Table, stmt.Create)
	require.NoError(t, err)
	assert.True(t, orig.SameDefinition(parsed), "got %s", parsed.CreateStatement())
}
