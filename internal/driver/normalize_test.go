package driver

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cellrun/cli/internal/variables"
)

func TestNormalize(t *testing.T) {
	vars := variables.New()
	vars.Set("id", int64(7))
	vars.Set("name", "ada")
	vars.Set("filter", map[string]any{"status": "open"})
	vars.Set("tags", []any{"a", "b"})

	tests := []struct {
		name       string
		query      string
		positional bool
		wantSQL    string
		wantBinds  []any
	}{
		{
			name:       "positional reuses placeholder",
			query:      "SELECT * FROM t WHERE id = :id OR parent = :id AND name = ${name}",
			positional: true,
			wantSQL:    "SELECT * FROM t WHERE id = $1 OR parent = $1 AND name = $2",
			wantBinds:  []any{int64(7), "ada"},
		},
		{
			name:      "question marks per occurrence",
			query:     "SELECT * FROM t WHERE id = :id OR parent = :id",
			wantSQL:   "SELECT * FROM t WHERE id = ? OR parent = ?",
			wantBinds: []any{int64(7), int64(7)},
		},
		{
			name:       "casts and literals untouched",
			query:      "SELECT ':id', created::date, \"col:id\" FROM t -- :id\nWHERE x = :id /* :name */",
			positional: true,
			wantSQL:    "SELECT ':id', created::date, \"col:id\" FROM t -- :id\nWHERE x = $1 /* :name */",
			wantBinds:  []any{int64(7)},
		},
		{
			name:       "dollar quoted body untouched",
			query:      "DO $body$ SELECT :id $body$; SELECT $1",
			positional: true,
			wantSQL:    "DO $body$ SELECT :id $body$; SELECT $1",
		},
		{
			name:      "nested lookup",
			query:     "SELECT * FROM t WHERE status = :filter.status",
			wantSQL:   "SELECT * FROM t WHERE status = ?",
			wantBinds: []any{"open"},
		},
		{
			name:      "composite values bound as json",
			query:     "SELECT :tags",
			wantSQL:   "SELECT ?",
			wantBinds: []any{`["a","b"]`},
		},
		{
			name:      "time literal in string",
			query:     "SELECT '12:30'",
			wantSQL:   "SELECT '12:30'",
			wantBinds: nil,
		},
		{
			name:      "escaped quote",
			query:     "SELECT 'it''s :id', :name",
			wantSQL:   "SELECT 'it''s :id', ?",
			wantBinds: []any{"ada"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.query, vars, tt.positional)
			if err != nil {
				t.Fatalf("Normalize() error: %v", err)
			}
			if got.SQL != tt.wantSQL {
				t.Errorf("SQL = %q, want %q", got.SQL, tt.wantSQL)
			}
			if diff := cmp.Diff(tt.wantBinds, got.Binds); diff != "" {
				t.Errorf("Binds mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeMissingVariables(t *testing.T) {
	_, err := Normalize("SELECT :b, ${a}, :b", variables.New(), true)
	var missing *MissingVariablesError
	if !errors.As(err, &missing) {
		t.Fatalf("Normalize() error = %v, want MissingVariablesError", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, missing.Names); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
}
