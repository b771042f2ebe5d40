// Copyright (c) 2025 Cellrun
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package rules evaluates row-level data quality rules against query results.
//
// A rule file names a table and a list of conditions written in a small
// SQL-like expression language:
//
//	{"tableRule": {"table": "users", "details": [
//	    {"title": "adult", "condition": "age >= 18 and email like '%@%'"}
//	]}}
//
// Every row for which a condition does not hold is reported as a violation.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cellrun/cli/internal/notebook"
)

// File is the on-disk rule file layout.
type File struct {
	TableRule TableRule `json:"tableRule"`
}

// TableRule groups the conditions that apply to one table.
type TableRule struct {
	Table   string   `json:"table"`
	Details []Detail `json:"details"`
}

// Detail is a single titled condition.
type Detail struct {
	Title     string `json:"title"`
	Condition string `json:"condition"`
}

// Rule is a parsed condition.
type Rule struct {
	Title     string
	Condition string
	root      node
}

// Set is a parsed rule file.
type Set struct {
	Table string
	Rules []Rule
}

// LoadFile reads and parses a rule file.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes rule file content and parses every condition.
func Parse(data []byte) (*Set, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rule file: %w", err)
	}
	set := &Set{Table: strings.TrimSpace(f.TableRule.Table)}
	for i, d := range f.TableRule.Details {
		title := d.Title
		if title == "" {
			title = fmt.Sprintf("rule %d", i+1)
		}
		root, err := parse(d.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", title, err)
		}
		set.Rules = append(set.Rules, Rule{Title: title, Condition: d.Condition, root: root})
	}
	return set, nil
}

// Applies reports whether the set targets the named table. A set without a
// table applies to every result; schema qualifiers are ignored.
func (s *Set) Applies(table string) bool {
	if s.Table == "" {
		return true
	}
	return strings.EqualFold(unqualified(s.Table), unqualified(table))
}

func unqualified(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.Trim(name, `"`)
}

// Evaluate checks every rule against every row of t and returns the rows that
// fail, ordered by row then rule.
func (s *Set) Evaluate(t *notebook.Table) ([]notebook.RuleViolation, error) {
	if t == nil {
		return nil, nil
	}
	for _, r := range s.Rules {
		if err := r.root.bind(t.Columns); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Title, err)
		}
	}
	var out []notebook.RuleViolation
	for i, row := range t.Rows {
		for _, r := range s.Rules {
			if !r.root.eval(row) {
				out = append(out, notebook.RuleViolation{Row: i, Title: r.Title, Condition: r.Condition})
			}
		}
	}
	return out, nil
}
