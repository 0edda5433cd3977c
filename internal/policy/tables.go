package policy

import (
	"fmt"
	"regexp"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// systemDatabases are never captured
var systemDatabases = map[string]bool{
	"mysql":              true,
	"sys":                true,
	"information_schema": true,
	"performance_schema": true,
	"cdc":                true,
}

// FilterConfig lists database names and "database.table" patterns
type FilterConfig struct {
	IncludeDatabases []string
	ExcludeDatabases []string
	IncludeTables    []string
	ExcludeTables    []string
}

// TableFilter decides which tables are snapshotted and emitted
type TableFilter struct {
	includeDBs    []*regexp.Regexp
	excludeDBs    []*regexp.Regexp
	includeTables []*regexp.Regexp
	excludeTables []*regexp.Regexp
}

// NewTableFilter compiles the configured patterns
func NewTableFilter(cfg FilterConfig) (*TableFilter, error) {
	f := &TableFilter{}
	var err error
	if f.includeDBs, err = compileAll(cfg.IncludeDatabases); err != nil {
		return nil, err
	}
	if f.excludeDBs, err = compileAll(cfg.ExcludeDatabases); err != nil {
		return nil, err
	}
	if f.includeTables, err = compileAll(cfg.IncludeTables); err != nil {
		return nil, err
	}
	if f.excludeTables, err = compileAll(cfg.ExcludeTables); err != nil {
		return nil, err
	}
	return f, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := compilePattern(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pat, err)
		}
		res = append(res, re)
	}
	return res, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// IncludesDatabase reports whether any table of db can be captured
func (f *TableFilter) IncludesDatabase(db string) bool {
	if systemDatabases[db] {
		return false
	}
	if f == nil {
		return true
	}
	if len(f.includeDBs) > 0 && !matchAny(f.includeDBs, db) {
		return false
	}
	return !matchAny(f.excludeDBs, db)
}

// Includes reports whether a table is captured
func (f *TableFilter) Includes(id cdc.TableID) bool {
	if !f.IncludesDatabase(id.Database) {
		return false
	}
	if f == nil {
		return true
	}
	name := id.String()
	if len(f.includeTables) > 0 && !matchAny(f.includeTables, name) {
		return false
	}
	return !matchAny(f.excludeTables, name)
}
