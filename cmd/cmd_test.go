package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pterm/pterm"

	"cellrun/cli/internal/kernel/scriptkernel"
	"cellrun/cli/internal/notebook"
	"cellrun/cli/internal/session"
)

func testDoc(t *testing.T) *notebook.Document {
	t.Helper()
	doc, err := notebook.New("doc.yaml", []notebook.Cell{
		{Name: "setup", Type: notebook.TypeJSON, Source: `{}`},
		{Type: notebook.TypeSQL, Source: "SELECT 1"},
		{Name: "report", Type: notebook.TypeScript, Source: `fmt.Println("hi")`},
	})
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestSelectCells(t *testing.T) {
	doc := testDoc(t)

	got, err := selectCells(doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, got); diff != "" {
		t.Errorf("all cells mismatch (-want +got):\n%s", diff)
	}

	got, err = selectCells(doc, []string{"report", "#2"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 1}, got); diff != "" {
		t.Errorf("named cells mismatch (-want +got):\n%s", diff)
	}

	if _, err := selectCells(doc, []string{"ghost"}); err == nil {
		t.Error("unknown cell accepted")
	}
}

func TestOneLine(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"select *\n  from t", 40, "select * from t"},
		{"abcdefghij", 5, "abcd…"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := oneLine(tt.in, tt.max); got != tt.want {
			t.Errorf("oneLine(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestRendererPrintsBatch(t *testing.T) {
	pterm.DisableColor()
	defer pterm.EnableColor()

	var buf bytes.Buffer
	r := newRenderer(&buf, 1)

	table := notebook.Executed("2 row(s)")
	table.Duration = 5 * time.Millisecond
	table.Meta().Table = &notebook.Table{
		Name: "cell2", Kind: notebook.KindSelect, Columns: []string{"n"},
		Rows:       [][]any{{int64(1)}, {nil}},
		RuleFile:   "rules.json",
		Violations: []notebook.RuleViolation{{Row: 1, Title: "present", Condition: "n is not null"}},
	}
	script := notebook.Executed("hi\n")
	failed := notebook.Failed(errString("boom"))

	for _, ev := range []session.Event{
		{Type: session.EventBatchPlanned, Plan: []int{1, 2, 3}},
		{Type: session.EventCellStarted, Cell: 1, Label: "#2 (sql)"},
		{Type: session.EventCellFinished, Cell: 1, Result: &table},
		{Type: session.EventCellStarted, Cell: 2, Label: "#3 report (script)"},
		{Type: session.EventCellOutput, Cell: 2, Stream: scriptkernel.Stdout, Line: "hi"},
		{Type: session.EventCellFinished, Cell: 2, Result: &script},
		{Type: session.EventCellStarted, Cell: 3, Label: "#4 (json)"},
		{Type: session.EventCellFinished, Cell: 3, Result: &failed},
		{Type: session.EventBatchDone},
	} {
		r.handle(ev)
	}

	out := buf.String()
	for _, want := range []string{"Running 3 cell(s)", "#2 (sql)", "1 more row(s)", "1 violation(s)", "row 2: present", "│ hi", "boom", "Finished with errors"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\n  hi\n") {
		t.Errorf("streamed stdout printed twice:\n%s", out)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
