package notebook

import (
	"encoding/json"
	"fmt"
	"time"
)

// TableKind distinguishes row-returning statements from commands.
type TableKind string

const (
	KindSelect TableKind = "select"
	KindExec   TableKind = "exec"
)

// Table is a result set produced by a kernel.
type Table struct {
	Name         string          `json:"name"`
	Unnamed      bool            `json:"unnamed,omitempty"` // Name was derived from the cell position
	Kind         TableKind       `json:"kind"`
	Columns      []string        `json:"columns"`
	Rows         [][]any         `json:"rows"`
	RowsAffected int64           `json:"rowsAffected"`
	Elapsed      time.Duration   `json:"-"`
	Violations   []RuleViolation `json:"violations,omitempty"`
	RuleFile     string          `json:"ruleFile,omitempty"`
	CodeLabels   []CodeLabel     `json:"codeLabels,omitempty"`
	ResolverFile string          `json:"codeResolverFile,omitempty"`
}

// RuleViolation marks a row that failed a rule condition.
type RuleViolation struct {
	Row   int    `json:"row"`
	Title string `json:"title"`
	// Condition is the rule text as written in the rule file.
	Condition string `json:"condition"`
}

// CodeLabel is a resolved label for a coded value in a row.
type CodeLabel struct {
	Row    int    `json:"row"`
	Column string `json:"column"`
	Code   string `json:"code"`
	Label  string `json:"label"`
}

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Value returns the cell value at row, column name.
func (t *Table) Value(row int, column string) (any, bool) {
	i := t.ColumnIndex(column)
	if i < 0 || row < 0 || row >= len(t.Rows) || i >= len(t.Rows[row]) {
		return nil, false
	}
	return t.Rows[row][i], true
}

// MarshalJSON converts driver-specific values (UUID byte arrays, raw bytes)
// into JSON-friendly forms.
func (t Table) MarshalJSON() ([]byte, error) {
	type alias Table
	a := alias(t)
	a.Rows = SerializableRows(t.Rows)
	out := struct {
		alias
		ElapsedMS int64 `json:"elapsedMs"`
	}{alias: a, ElapsedMS: t.Elapsed.Milliseconds()}
	return json.Marshal(out)
}

// SerializableRows returns a copy of rows with driver values converted.
func SerializableRows(rows [][]any) [][]any {
	if rows == nil {
		return nil
	}
	out := make([][]any, len(rows))
	for i, row := range rows {
		out[i] = make([]any, len(row))
		for j, val := range row {
			out[i][j] = SerializableValue(val)
		}
	}
	return out
}

// SerializableValue converts a single driver value.
func SerializableValue(val any) any {
	switch v := val.(type) {
	case []byte:
		if len(v) == 16 {
			return formatUUID(v)
		}
		return fmt.Sprintf("\\x%x", v)
	case [16]byte:
		return formatUUID(v[:])
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return v
	}
}

func formatUUID(v []byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", v[0:4], v[4:6], v[6:8], v[8:10], v[10:16])
}
