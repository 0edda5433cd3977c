// Package policy decides which tables are captured and how column values are
// filtered before they leave the pipeline.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/katasec/dstream-ingester-capture/pkg/cdc"
)

// Action is what a column rule does to a value
type Action int

const (
	ActionKeep Action = iota
	ActionExclude
	ActionMask
	ActionTruncate
)

// MaskRule replaces values of matching columns with Length asterisks
type MaskRule struct {
	Columns []string
	Length  int
}

// TruncateRule cuts string values of matching columns to Length characters
type TruncateRule struct {
	Columns []string
	Length  int
}

// ColumnConfig lists column patterns. Patterns are regular expressions matched
// case-insensitively against the whole "database.table.column" name.
type ColumnConfig struct {
	Exclude  []string
	Mask     []MaskRule
	Truncate []TruncateRule
}

type rule struct {
	pattern *regexp.Regexp
	action  Action
	length  int
}

type decision struct {
	action Action
	length int
}

// ColumnPolicy applies exclude, mask and truncate rules to row images.
// Exclusion wins over masking, masking over truncation.
type ColumnPolicy struct {
	rules []rule
	cache sync.Map
}

// NewColumnPolicy compiles the configured patterns
func NewColumnPolicy(cfg ColumnConfig) (*ColumnPolicy, error) {
	p := &ColumnPolicy{}
	add := func(patterns []string, action Action, length int) error {
		for _, pat := range patterns {
			re, err := compilePattern(pat)
			if err != nil {
				return fmt.Errorf("invalid column pattern %q: %w", pat, err)
			}
			p.rules = append(p.rules, rule{pattern: re, action: action, length: length})
		}
		return nil
	}

	if err := add(cfg.Exclude, ActionExclude, 0); err != nil {
		return nil, err
	}
	for _, m := range cfg.Mask {
		if m.Length <= 0 {
			return nil, fmt.Errorf("mask length must be positive, got %d", m.Length)
		}
		if err := add(m.Columns, ActionMask, m.Length); err != nil {
			return nil, err
		}
	}
	for _, tr := range cfg.Truncate {
		if tr.Length < 0 {
			return nil, fmt.Errorf("truncate length must not be negative, got %d", tr.Length)
		}
		if err := add(tr.Columns, ActionTruncate, tr.Length); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func compilePattern(pat string) (*regexp.Regexp, error) {
	pat = strings.TrimSpace(pat)
	if pat == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	return regexp.Compile("(?i)^(?:" + pat + ")$")
}

func (p *ColumnPolicy) decide(table cdc.TableID, column string) decision {
	name := table.String() + "." + column
	if d, ok := p.cache.Load(name); ok {
		return d.(decision)
	}
	d := decision{action: ActionKeep}
	for _, r := range p.rules {
		if !r.pattern.MatchString(name) {
			continue
		}
		if d.action == ActionKeep || r.action < d.action {
			d = decision{action: r.action, length: r.length}
		}
	}
	p.cache.Store(name, d)
	return d
}

// ActionFor returns the action applied to a column
func (p *ColumnPolicy) ActionFor(table cdc.TableID, column string) Action {
	if p == nil {
		return ActionKeep
	}
	return p.decide(table, column).action
}

// Apply returns a filtered copy of image. A nil image stays nil.
func (p *ColumnPolicy) Apply(table cdc.TableID, image map[string]any) map[string]any {
	if image == nil {
		return nil
	}
	out := make(map[string]any, len(image))
	for col, v := range image {
		if p == nil {
			out[col] = v
			continue
		}
		d := p.decide(table, col)
		switch d.action {
		case ActionExclude:
			continue
		case ActionMask:
			out[col] = strings.Repeat("*", d.length)
		case ActionTruncate:
			out[col] = truncate(v, d.length)
		default:
			out[col] = v
		}
	}
	return out
}

func truncate(v any, n int) any {
	switch s := v.(type) {
	case string:
		r := []rune(s)
		if len(r) > n {
			return string(r[:n])
		}
		return s
	case []byte:
		if len(s) > n {
			return s[:n]
		}
		return s
	default:
		return v
	}
}
