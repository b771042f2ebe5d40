package postprocess

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cellrun/cli/internal/errors"
	"cellrun/cli/internal/history"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/variables"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func selectResult() notebook.RunResult {
	res := notebook.Executed("2 rows")
	res.Meta().Connection = "db"
	res.Meta().Table = &notebook.Table{
		Name:    "users",
		Kind:    notebook.KindSelect,
		Columns: []string{"age", "status"},
		Rows:    [][]any{{int64(30), "A"}, {int64(12), "I"}},
	}
	return res
}

func TestApplyEnrichesSelect(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.json", `{"tableRule":{"table":"users","details":[{"title":"adult","condition":"age >= 18"}]}}`)
	writeFile(t, dir, "codes.json", `{"items":[{"column":"status","codes":{"A":"Active"}}]}`)

	hist := history.NewMemory()
	p := New(hist, nil)
	cell := &notebook.Cell{Index: 0, Type: notebook.TypeSQL, Source: "select age, status from users",
		Metadata: notebook.Metadata{SQL: &notebook.SQLConfig{Connection: "db", RuleFile: "rules.json", CodeResolverFile: "codes.json"}}}
	vars := variables.New()
	vars.Set("limit", int64(5))
	res := selectResult()

	out, err := p.Apply(dir, cell, vars, &res)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	tbl := res.Metadata.Table
	wantViolations := []notebook.RuleViolation{{Row: 1, Title: "adult", Condition: "age >= 18"}}
	if diff := cmp.Diff(wantViolations, tbl.Violations); diff != "" {
		t.Errorf("violations mismatch (-want +got):\n%s", diff)
	}
	wantLabels := []notebook.CodeLabel{{Row: 0, Column: "status", Code: "A", Label: "Active"}}
	if diff := cmp.Diff(wantLabels, tbl.CodeLabels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	if tbl.RuleFile != "rules.json" || tbl.ResolverFile != "codes.json" {
		t.Errorf("file refs = %q, %q", tbl.RuleFile, tbl.ResolverFile)
	}

	if out.Recorded == nil {
		t.Fatal("history entry not recorded")
	}
	got := hist.List()
	if len(got) != 1 || got[0].Connection != "db" || got[0].Result.RowCount != 2 || got[0].Result.Violations != 1 {
		t.Errorf("history = %+v", got)
	}
	if got[0].Variables["limit"] != int64(5) {
		t.Errorf("variables snapshot = %v", got[0].Variables)
	}
}

func TestApplyRuleTableMatching(t *testing.T) {
	tests := []struct {
		name      string
		tableName string
		unnamed   bool
		want      int
	}{
		{name: "matching table", tableName: `public."Users"`, want: 1},
		{name: "other table skipped", tableName: "orders", want: 0},
		{name: "derived name always evaluated", tableName: "cell1", unnamed: true, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "rules.json", `{"tableRule":{"table":"users","details":[{"title":"adult","condition":"age >= 18"}]}}`)
			cell := &notebook.Cell{Type: notebook.TypeSQL, Source: "select 1",
				Metadata: notebook.Metadata{SQL: &notebook.SQLConfig{RuleFile: "rules.json"}}}
			res := selectResult()
			res.Metadata.Table.Name = tt.tableName
			res.Metadata.Table.Unnamed = tt.unnamed

			if _, err := New(nil, nil).Apply(dir, cell, variables.New(), &res); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if got := len(res.Metadata.Table.Violations); got != tt.want {
				t.Errorf("violations = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestApplyMissingRuleFile(t *testing.T) {
	p := New(history.NewMemory(), nil)
	cell := &notebook.Cell{Type: notebook.TypeSQL, Metadata: notebook.Metadata{SQL: &notebook.SQLConfig{Connection: "db", RuleFile: "nope.json"}}}
	res := selectResult()

	_, err := p.Apply(t.TempDir(), cell, nil, &res)
	if !errors.Is(err, errors.Enrichment) {
		t.Fatalf("Apply() error = %v, want enrichment error", err)
	}
	if !strings.Contains(err.Error(), "nope.json") {
		t.Errorf("error %q does not name the file", err)
	}
	if p.History.Len() != 0 {
		t.Error("history recorded despite enrichment failure")
	}
}

func TestApplyRuleEngineFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rules.json", `{"tableRule":{"details":[{"title":"x","condition":"ghost = 1"}]}}`)
	p := New(nil, nil)
	cell := &notebook.Cell{Type: notebook.TypeSQL, Metadata: notebook.Metadata{SQL: &notebook.SQLConfig{RuleFile: "rules.json"}}}
	res := selectResult()

	_, err := p.Apply(dir, cell, nil, &res)
	if !errors.Is(err, errors.Enrichment) || !strings.Contains(err.Error(), "rules.json") {
		t.Fatalf("Apply() error = %v", err)
	}
}

func TestApplySkipsNonSelect(t *testing.T) {
	p := New(history.NewMemory(), nil)
	cell := &notebook.Cell{Type: notebook.TypeSQL, Metadata: notebook.Metadata{SQL: &notebook.SQLConfig{Connection: "db", RuleFile: "missing.json"}}}
	res := notebook.Executed("1 row affected")
	res.Meta().Table = &notebook.Table{Kind: notebook.KindExec, RowsAffected: 1}

	if _, err := p.Apply(t.TempDir(), cell, nil, &res); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.History.Len() != 1 {
		t.Errorf("history len = %d, want 1", p.History.Len())
	}
}

func TestApplyNoHistoryWithoutConnectionOrOnError(t *testing.T) {
	p := New(history.NewMemory(), nil)

	script := &notebook.Cell{Type: notebook.TypeScript}
	res := notebook.Executed("ok")
	if _, err := p.Apply("", script, nil, &res); err != nil {
		t.Fatal(err)
	}

	sqlCell := &notebook.Cell{Type: notebook.TypeSQL, Metadata: notebook.Metadata{SQL: &notebook.SQLConfig{Connection: "db"}}}
	failed := notebook.Failed(errors.New(errors.Execution, "query failed"))
	if _, err := p.Apply("", sqlCell, nil, &failed); err != nil {
		t.Fatal(err)
	}

	if p.History.Len() != 0 {
		t.Errorf("history len = %d, want 0", p.History.Len())
	}
}

func TestApplyReturnsCellUpdates(t *testing.T) {
	p := New(nil, nil)
	res := notebook.Executed("")
	res.Meta().CellUpdates = []notebook.CellUpdate{{Target: "config", Value: json.RawMessage(`{"a":1}`)}}

	out, err := p.Apply("", &notebook.Cell{Type: notebook.TypeScript}, nil, &res)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.CellUpdates) != 1 || out.CellUpdates[0].Target != "config" {
		t.Errorf("CellUpdates = %+v", out.CellUpdates)
	}
}
