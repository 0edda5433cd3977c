package schema

import (
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// StatementKind classifies a parsed DDL statement
type StatementKind int

const (
	// StmtIgnored statements do not touch any table definition
	StmtIgnored StatementKind = iota
	StmtUse
	StmtCreateDatabase
	StmtDropDatabase
	StmtCreateTable
	StmtAlterTable
	StmtDropTable
	StmtRenameTable
	StmtTruncate
	StmtIndex
)

// Statement is the parsed form of one DDL statement
type Statement struct {
	Kind     StatementKind
	Database string
	Table    cdc.TableID
	Tables   []cdc.TableID
	Renames  []Rename
	Create   *CreateTable
	Alter    []AlterSpec
}

// CreateTable holds the body of a CREATE TABLE statement
type CreateTable struct {
	IfNotExists bool
	Columns     []Column
	PrimaryKey  []string
	Like        *cdc.TableID
}

// Rename is one pair of a RENAME TABLE statement
type Rename struct {
	From cdc.TableID
	To   cdc.TableID
}

// AlterAction is the effect of one ALTER TABLE clause
type AlterAction int

const (
	AlterNoOp AlterAction = iota
	AlterAddColumn
	AlterDropColumn
	AlterModifyColumn
	AlterChangeColumn
	AlterRenameColumn
	AlterRenameTable
	AlterAddPrimaryKey
	AlterDropPrimaryKey
)

// AlterSpec is one comma-separated clause of ALTER TABLE
type AlterSpec struct {
	Action   AlterAction
	Column   Column
	InlinePK bool
	// Name is the existing column for DROP, CHANGE and RENAME COLUMN
	Name     string
	First    bool
	After    string
	Columns  []string
	NewTable cdc.TableID
}

// ParseError reports a statement that names tables but cannot be interpreted
type ParseError struct {
	Tables []cdc.TableID
	Msg    string
}

func (e *ParseError) Error() string { return e.Msg }

// ParseDDL parses a single statement. Unqualified table names resolve against defaultDB.
func ParseDDL(sql, defaultDB string) (*Statement, error) {
	toks, err := NewLexer(sql).Tokenize()
	if err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	p := &parser{toks: toks, defaultDB: defaultDB}
	return p.parseStatement()
}

type parser struct {
	toks      []Token
	pos       int
	defaultDB string
	table     *cdc.TableID
}

func (p *parser) peekAt(n int) Token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return Token{Type: TokenEOF}
}

func (p *parser) peek() Token { return p.peekAt(0) }

func (p *parser) next() Token {
	t := p.peek()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

// accept consumes the keyword sequence only when all of it matches
func (p *parser) accept(keywords ...string) bool {
	for i, kw := range keywords {
		if !p.peekAt(i).is(kw) {
			return false
		}
	}
	p.pos += len(keywords)
	return true
}

func (p *parser) acceptSymbol(s string) bool {
	if p.peek().isSymbol(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) errorf(format string, args ...any) error {
	e := &ParseError{Msg: fmt.Sprintf(format, args...)}
	if p.table != nil {
		e.Tables = []cdc.TableID{*p.table}
	}
	return e
}

func (p *parser) expect(keyword string) error {
	if !p.accept(keyword) {
		return p.errorf("expected %s, found %s", keyword, p.peek())
	}
	return nil
}

func (p *parser) expectSymbol(s string) error {
	if !p.acceptSymbol(s) {
		return p.errorf("expected %q, found %s", s, p.peek())
	}
	return nil
}

func (p *parser) ident() (string, error) {
	t := p.peek()
	if t.Type != TokenIdent && t.Type != TokenQuotedIdent {
		return "", p.errorf("expected identifier, found %s", t)
	}
	p.pos++
	return t.Literal, nil
}

func (p *parser) tableName() (cdc.TableID, error) {
	first, err := p.ident()
	if err != nil {
		return cdc.TableID{}, err
	}
	if p.acceptSymbol(".") {
		second, err := p.ident()
		if err != nil {
			return cdc.TableID{}, err
		}
		return cdc.NewTableID(first, second), nil
	}
	return cdc.NewTableID(p.defaultDB, first), nil
}

// skipKeywords consumes any run of the given keywords
func (p *parser) skipKeywords(keywords ...string) {
	for {
		matched := false
		for _, kw := range keywords {
			if p.accept(kw) {
				matched = true
			}
		}
		if !matched {
			return
		}
	}
}

// skipConstraintName consumes "CONSTRAINT [symbol]"
func (p *parser) skipConstraintName() {
	if !p.accept("CONSTRAINT") {
		return
	}
	t := p.peek()
	if !t.is("PRIMARY") && !t.is("UNIQUE") && !t.is("FOREIGN") && !t.is("CHECK") && !t.is("DEFAULT") {
		p.next()
	}
}

func (p *parser) atEnd() bool {
	t := p.peek()
	return t.Type == TokenEOF || t.isSymbol(";")
}

func (p *parser) atDefEnd() bool {
	t := p.peek()
	return p.atEnd() || t.isSymbol(",") || t.isSymbol(")")
}

// skipGroup consumes a parenthesized group starting at the current "("
func (p *parser) skipGroup() error {
	depth := 0
	for {
		t := p.next()
		switch {
		case t.Type == TokenEOF:
			return p.errorf("unbalanced parentheses")
		case t.isSymbol("("):
			depth++
		case t.isSymbol(")"):
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
}

func (p *parser) skipToDefEnd() error {
	for !p.atDefEnd() {
		if p.peek().isSymbol("(") {
			if err := p.skipGroup(); err != nil {
				return err
			}
			continue
		}
		p.next()
	}
	return nil
}

func (p *parser) identList() ([]string, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var names []string
	for {
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		// index prefix length and ordering
		if p.peek().isSymbol("(") {
			if err := p.skipGroup(); err != nil {
				return nil, err
			}
		}
		p.accept("ASC")
		p.accept("DESC")
		if p.acceptSymbol(")") {
			return names, nil
		}
		if err := p.expectSymbol(","); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseStatement() (*Statement, error) {
	switch {
	case p.accept("USE"):
		db, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtUse, Database: db}, nil
	case p.accept("CREATE"):
		return p.parseCreate()
	case p.accept("ALTER"):
		p.accept("ONLINE")
		p.accept("IGNORE")
		if !p.accept("TABLE") {
			return &Statement{Kind: StmtIgnored}, nil
		}
		return p.parseAlterTable()
	case p.accept("DROP"):
		return p.parseDrop()
	case p.accept("RENAME", "TABLE"):
		return p.parseRenameTable()
	case p.accept("TRUNCATE"):
		p.accept("TABLE")
		id, err := p.tableName()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtTruncate, Table: id}, nil
	default:
		return &Statement{Kind: StmtIgnored}, nil
	}
}

func (p *parser) parseCreate() (*Statement, error) {
	p.accept("OR", "REPLACE")
	switch {
	case p.accept("DATABASE"), p.accept("SCHEMA"):
		p.accept("IF", "NOT", "EXISTS")
		db, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtCreateDatabase, Database: db}, nil
	case p.accept("TEMPORARY"):
		return &Statement{Kind: StmtIgnored}, nil
	case p.accept("TABLE"):
		return p.parseCreateTable()
	}

	p.skipKeywords("UNIQUE", "FULLTEXT", "SPATIAL", "CLUSTERED", "NONCLUSTERED")
	if p.accept("INDEX") {
		if _, err := p.ident(); err != nil {
			return nil, err
		}
		if p.accept("USING") {
			p.next()
		}
		if err := p.expect("ON"); err != nil {
			return nil, err
		}
		id, err := p.tableName()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtIndex, Table: id}, nil
	}
	return &Statement{Kind: StmtIgnored}, nil
}

func (p *parser) parseCreateTable() (*Statement, error) {
	create := &CreateTable{}
	create.IfNotExists = p.accept("IF", "NOT", "EXISTS")
	id, err := p.tableName()
	if err != nil {
		return nil, err
	}
	p.table = &id
	stmt := &Statement{Kind: StmtCreateTable, Table: id, Create: create}

	like := p.accept("LIKE")
	if !like && p.peek().isSymbol("(") && p.peekAt(1).is("LIKE") {
		p.next()
		p.next()
		like = true
	}
	if like {
		src, err := p.tableName()
		if err != nil {
			return nil, err
		}
		create.Like = &src
		return stmt, nil
	}

	if !p.acceptSymbol("(") {
		return nil, p.errorf("CREATE TABLE without column definitions is not supported")
	}
	for {
		if err := p.parseCreateDefinition(create); err != nil {
			return nil, err
		}
		if p.acceptSymbol(",") {
			continue
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		break
	}

	for !p.atEnd() {
		if p.peek().is("AS") || p.peek().is("SELECT") {
			return nil, p.errorf("CREATE TABLE ... SELECT is not supported")
		}
		if p.peek().isSymbol("(") {
			if err := p.skipGroup(); err != nil {
				return nil, err
			}
			continue
		}
		p.next()
	}

	for _, k := range create.PrimaryKey {
		for i := range create.Columns {
			if strings.EqualFold(create.Columns[i].Name, k) {
				create.Columns[i].Nullable = false
			}
		}
	}
	return stmt, nil
}

func (p *parser) parseCreateDefinition(create *CreateTable) error {
	p.skipConstraintName()
	t := p.peek()
	switch {
	case p.accept("PRIMARY", "KEY"):
		p.accept("CLUSTERED")
		p.accept("NONCLUSTERED")
		if p.accept("USING") {
			p.next()
		}
		cols, err := p.identList()
		if err != nil {
			return err
		}
		create.PrimaryKey = cols
		return p.skipToDefEnd()
	case t.is("INDEX"), t.is("KEY"), t.is("UNIQUE"), t.is("FULLTEXT"), t.is("SPATIAL"),
		t.is("FOREIGN"), t.is("CHECK"), t.is("PERIOD"):
		return p.skipToDefEnd()
	}

	col, inlinePK, err := p.parseColumnDefinition()
	if err != nil {
		return err
	}
	create.Columns = append(create.Columns, col)
	if inlinePK {
		create.PrimaryKey = []string{col.Name}
	}
	return nil
}

// parseColumnDefinition reads "name type [attributes]" and stops before ",", ")", FIRST or AFTER
func (p *parser) parseColumnDefinition() (Column, bool, error) {
	name, err := p.ident()
	if err != nil {
		return Column{}, false, err
	}
	col := Column{Name: name, Nullable: true}
	typ, err := p.parseDataType()
	if err != nil {
		return Column{}, false, err
	}
	col.Type = typ

	inlinePK := false
	for !p.atDefEnd() && !p.peek().is("FIRST") && !p.peek().is("AFTER") {
		switch {
		case p.accept("NOT", "NULL"):
			col.Nullable = false
		case p.accept("NULL"):
			col.Nullable = true
		case p.accept("UNIQUE", "KEY"), p.accept("UNIQUE"):
			// unique constraints leave the column definition unchanged
		case p.accept("PRIMARY", "KEY"), p.accept("KEY"):
			inlinePK = true
			col.Nullable = false
		case p.accept("AUTO_INCREMENT"), p.accept("AUTOINCREMENT"):
			col.AutoIncrement = true
		case p.accept("IDENTITY"):
			col.AutoIncrement = true
			if p.peek().isSymbol("(") {
				if err := p.skipGroup(); err != nil {
					return Column{}, false, err
				}
			}
		case p.accept("DEFAULT"), p.accept("COMMENT"), p.accept("COLLATE"), p.accept("CHARSET"),
			p.accept("CHARACTER", "SET"), p.accept("ON", "UPDATE"), p.accept("COLUMN_FORMAT"), p.accept("STORAGE"):
			if err := p.skipValue(); err != nil {
				return Column{}, false, err
			}
		case p.peek().isSymbol("("):
			if err := p.skipGroup(); err != nil {
				return Column{}, false, err
			}
		default:
			p.next()
		}
	}
	return col, inlinePK, nil
}

// skipValue consumes a single literal, identifier, function call or parenthesized expression
func (p *parser) skipValue() error {
	for p.peek().isSymbol("-") || p.peek().isSymbol("+") {
		p.next()
	}
	if p.peek().isSymbol("(") {
		return p.skipGroup()
	}
	if p.atDefEnd() {
		return p.errorf("expected value, found %s", p.peek())
	}
	p.next()
	if p.peek().isSymbol("(") {
		return p.skipGroup()
	}
	return nil
}

func (p *parser) parseDataType() (string, error) {
	t := p.peek()
	if t.Type != TokenIdent {
		return "", p.errorf("expected data type, found %s", t)
	}
	p.next()
	typ := strings.ToUpper(t.Literal)
	switch {
	case typ == "DOUBLE" && p.accept("PRECISION"):
		typ += " PRECISION"
	case (typ == "CHARACTER" || typ == "CHAR") && p.accept("VARYING"):
		typ += " VARYING"
	case typ == "LONG" && (p.peek().is("VARCHAR") || p.peek().is("VARBINARY")):
		typ += " " + strings.ToUpper(p.next().Literal)
	case typ == "NATIONAL":
		if nt := p.peek(); nt.Type == TokenIdent {
			typ += " " + strings.ToUpper(p.next().Literal)
		}
	}

	if p.peek().isSymbol("(") {
		args, err := p.typeArgs()
		if err != nil {
			return "", err
		}
		typ += "(" + args + ")"
	}
	for _, mod := range []string{"UNSIGNED", "SIGNED", "ZEROFILL"} {
		if p.accept(mod) {
			typ += " " + mod
		}
	}
	return typ, nil
}

func (p *parser) typeArgs() (string, error) {
	p.next()
	var parts []string
	var cur strings.Builder
	for {
		t := p.next()
		switch {
		case t.Type == TokenEOF:
			return "", p.errorf("unterminated type arguments")
		case t.isSymbol(")"):
			parts = append(parts, cur.String())
			return strings.Join(parts, ","), nil
		case t.isSymbol(","):
			parts = append(parts, cur.String())
			cur.Reset()
		case t.Type == TokenString:
			cur.WriteString("'" + strings.ReplaceAll(t.Literal, "'", "''") + "'")
		default:
			cur.WriteString(t.Literal)
		}
	}
}

func (p *parser) parseAlterTable() (*Statement, error) {
	id, err := p.tableName()
	if err != nil {
		return nil, err
	}
	p.table = &id
	stmt := &Statement{Kind: StmtAlterTable, Table: id}

	for !p.atEnd() {
		var prev *AlterSpec
		if n := len(stmt.Alter); n > 0 {
			prev = &stmt.Alter[n-1]
		}
		specs, err := p.parseAlterSpec(prev)
		if err != nil {
			return nil, err
		}
		stmt.Alter = append(stmt.Alter, specs...)
		if !p.acceptSymbol(",") {
			break
		}
	}
	if !p.atEnd() {
		return nil, p.errorf("unexpected %s in ALTER TABLE", p.peek())
	}
	return stmt, nil
}

var alterOptionKeywords = map[string]bool{
	"ENGINE": true, "AUTO_INCREMENT": true, "DEFAULT": true, "CHARACTER": true, "CHARSET": true,
	"COLLATE": true, "COMMENT": true, "ROW_FORMAT": true, "ALGORITHM": true, "LOCK": true,
	"FORCE": true, "ORDER": true, "CONVERT": true, "DISABLE": true, "ENABLE": true,
	"PARTITION": true, "REMOVE": true, "KEY_BLOCK_SIZE": true, "STATS_PERSISTENT": true,
	"STATS_AUTO_RECALC": true, "STATS_SAMPLE_PAGES": true, "WITH": true, "WITHOUT": true,
	"COALESCE": true, "REORGANIZE": true, "EXCHANGE": true, "ANALYZE": true, "CHECK": true,
	"OPTIMIZE": true, "REBUILD": true, "REPAIR": true, "TRUNCATE": true, "DISCARD": true,
	"IMPORT": true, "AVG_ROW_LENGTH": true, "MAX_ROWS": true, "MIN_ROWS": true, "PACK_KEYS": true,
	"CHECKSUM": true, "DELAY_KEY_WRITE": true, "INSERT_METHOD": true, "ENCRYPTION": true,
	"COMPRESSION": true, "TABLESPACE": true, "UNION": true, "SET": true, "NOCHECK": true,
}

func (p *parser) parseAlterSpec(prev *AlterSpec) ([]AlterSpec, error) {
	t := p.peek()
	switch {
	case p.accept("ADD"):
		return p.parseAlterAdd()
	case p.accept("DROP"):
		return p.parseAlterDrop()
	case p.accept("MODIFY"):
		p.accept("COLUMN")
		spec, err := p.parseColumnSpec(AlterModifyColumn)
		return []AlterSpec{spec}, err
	case p.accept("CHANGE"):
		p.accept("COLUMN")
		old, err := p.ident()
		if err != nil {
			return nil, err
		}
		spec, err := p.parseColumnSpec(AlterChangeColumn)
		spec.Name = old
		return []AlterSpec{spec}, err
	case p.accept("RENAME"):
		return p.parseAlterRename()
	case p.accept("ALTER"):
		if p.accept("INDEX") || p.accept("CHECK") || p.accept("CONSTRAINT") {
			return []AlterSpec{{Action: AlterNoOp}}, p.skipToDefEnd()
		}
		p.accept("COLUMN")
		if _, err := p.ident(); err != nil {
			return nil, err
		}
		if p.peek().is("SET") || p.peek().is("DROP") {
			return []AlterSpec{{Action: AlterNoOp}}, p.skipToDefEnd()
		}
		// T-SQL form: ALTER COLUMN name type [NULL | NOT NULL]
		p.pos--
		spec, err := p.parseColumnSpec(AlterModifyColumn)
		return []AlterSpec{spec}, err
	case t.Type == TokenIdent && alterOptionKeywords[strings.ToUpper(t.Literal)]:
		return []AlterSpec{{Action: AlterNoOp}}, p.skipToDefEnd()
	case prev != nil && prev.Action == AlterAddColumn && (t.Type == TokenIdent || t.Type == TokenQuotedIdent):
		// T-SQL continues an ADD list without repeating the keyword
		spec, err := p.parseColumnSpec(AlterAddColumn)
		return []AlterSpec{spec}, err
	default:
		return nil, p.errorf("unsupported ALTER TABLE clause %s", t)
	}
}

func (p *parser) parseColumnSpec(action AlterAction) (AlterSpec, error) {
	col, inlinePK, err := p.parseColumnDefinition()
	if err != nil {
		return AlterSpec{}, err
	}
	spec := AlterSpec{Action: action, Column: col, InlinePK: inlinePK}
	switch {
	case p.accept("FIRST"):
		spec.First = true
	case p.accept("AFTER"):
		after, err := p.ident()
		if err != nil {
			return AlterSpec{}, err
		}
		spec.After = after
	}
	return spec, nil
}

func (p *parser) parseAlterAdd() ([]AlterSpec, error) {
	p.skipConstraintName()
	t := p.peek()
	switch {
	case p.accept("PRIMARY", "KEY"):
		p.accept("CLUSTERED")
		p.accept("NONCLUSTERED")
		if p.accept("USING") {
			p.next()
		}
		cols, err := p.identList()
		if err != nil {
			return nil, err
		}
		return []AlterSpec{{Action: AlterAddPrimaryKey, Columns: cols}}, p.skipToDefEnd()
	case t.is("INDEX"), t.is("KEY"), t.is("UNIQUE"), t.is("FULLTEXT"), t.is("SPATIAL"),
		t.is("FOREIGN"), t.is("CHECK"), t.is("PARTITION"), t.is("PERIOD"), t.is("DEFAULT"):
		return []AlterSpec{{Action: AlterNoOp}}, p.skipToDefEnd()
	}

	p.accept("COLUMN")
	p.accept("IF", "NOT", "EXISTS")
	if p.acceptSymbol("(") {
		var specs []AlterSpec
		for {
			col, inlinePK, err := p.parseColumnDefinition()
			if err != nil {
				return nil, err
			}
			specs = append(specs, AlterSpec{Action: AlterAddColumn, Column: col, InlinePK: inlinePK})
			if p.acceptSymbol(",") {
				continue
			}
			return specs, p.expectSymbol(")")
		}
	}
	spec, err := p.parseColumnSpec(AlterAddColumn)
	return []AlterSpec{spec}, err
}

func (p *parser) parseAlterDrop() ([]AlterSpec, error) {
	t := p.peek()
	switch {
	case p.accept("PRIMARY", "KEY"):
		return []AlterSpec{{Action: AlterDropPrimaryKey}}, nil
	case t.is("INDEX"), t.is("KEY"), t.is("FOREIGN"), t.is("CHECK"), t.is("CONSTRAINT"), t.is("PARTITION"):
		return []AlterSpec{{Action: AlterNoOp}}, p.skipToDefEnd()
	}
	p.accept("COLUMN")
	p.accept("IF", "EXISTS")
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	p.accept("RESTRICT")
	p.accept("CASCADE")
	return []AlterSpec{{Action: AlterDropColumn, Name: name}}, nil
}

func (p *parser) parseAlterRename() ([]AlterSpec, error) {
	switch {
	case p.accept("COLUMN"):
		from, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expect("TO"); err != nil {
			return nil, err
		}
		to, err := p.ident()
		if err != nil {
			return nil, err
		}
		return []AlterSpec{{Action: AlterRenameColumn, Name: from, Column: Column{Name: to}}}, nil
	case p.accept("INDEX"), p.accept("KEY"):
		return []AlterSpec{{Action: AlterNoOp}}, p.skipToDefEnd()
	}
	if !p.accept("TO") {
		p.accept("AS")
	}
	id, err := p.tableName()
	if err != nil {
		return nil, err
	}
	return []AlterSpec{{Action: AlterRenameTable, NewTable: id}}, nil
}

func (p *parser) parseDrop() (*Statement, error) {
	switch {
	case p.accept("TEMPORARY"):
		return &Statement{Kind: StmtIgnored}, nil
	case p.accept("DATABASE"), p.accept("SCHEMA"):
		p.accept("IF", "EXISTS")
		db, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtDropDatabase, Database: db}, nil
	case p.accept("INDEX"):
		if _, err := p.ident(); err != nil {
			return nil, err
		}
		if !p.accept("ON") {
			return &Statement{Kind: StmtIgnored}, nil
		}
		id, err := p.tableName()
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StmtIndex, Table: id}, nil
	case p.accept("TABLE"):
		p.accept("IF", "EXISTS")
		stmt := &Statement{Kind: StmtDropTable}
		for {
			id, err := p.tableName()
			if err != nil {
				return nil, err
			}
			stmt.Tables = append(stmt.Tables, id)
			if !p.acceptSymbol(",") {
				return stmt, nil
			}
		}
	default:
		return &Statement{Kind: StmtIgnored}, nil
	}
}

func (p *parser) parseRenameTable() (*Statement, error) {
	stmt := &Statement{Kind: StmtRenameTable}
	for {
		from, err := p.tableName()
		if err != nil {
			return nil, err
		}
		if err := p.expect("TO"); err != nil {
			return nil, &ParseError{Tables: []cdc.TableID{from}, Msg: err.Error()}
		}
		to, err := p.tableName()
		if err != nil {
			return nil, &ParseError{Tables: []cdc.TableID{from}, Msg: err.Error()}
		}
		stmt.Renames = append(stmt.Renames, Rename{From: from, To: to})
		if !p.acceptSymbol(",") {
			return stmt, nil
		}
	}
}
