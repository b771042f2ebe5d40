package variables

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cellrun/cli/internal/notebook"
)

func TestHandoffRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, HandoffFileName)

	vars := New()
	vars.Set("key", "X")
	vars.Set("count", 3)
	side := SideChannel{
		Table: &notebook.Table{Name: "people", Kind: notebook.KindSelect, Columns: []string{"id"}, Rows: [][]any{{1}}},
		CellUpdates: []notebook.CellUpdate{{Target: "config", Value: []byte(`{"a":1}`)}},
	}
	if err := WriteHandoff(path, vars, side); err != nil {
		t.Fatalf("WriteHandoff: %v", err)
	}

	h, err := ReadHandoff(path)
	if err != nil {
		t.Fatalf("ReadHandoff: %v", err)
	}
	if v, _ := h.Variables.Get("key"); v != "X" {
		t.Errorf("key = %v, want X", v)
	}
	if v, _ := h.Variables.Get("count"); v != int64(3) {
		t.Errorf("count = %#v, want int64(3)", v)
	}
	if h.SideChannel.Table == nil || h.SideChannel.Table.Name != "people" {
		t.Errorf("table not carried: %+v", h.SideChannel.Table)
	}
	if len(h.SideChannel.CellUpdates) != 1 || h.SideChannel.CellUpdates[0].Target != "config" {
		t.Errorf("cell updates not carried: %+v", h.SideChannel.CellUpdates)
	}
}

func TestReadHandoffMissing(t *testing.T) {
	_, err := ReadHandoff(filepath.Join(t.TempDir(), HandoffFileName))
	if !errors.Is(err, ErrNoHandoff) {
		t.Fatalf("ReadHandoff() error = %v, want ErrNoHandoff", err)
	}
}

func TestDecodeHandoffFailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing version", `{"variables":{}}`},
		{"future version", `{"version":2,"variables":{}}`},
		{"variables not an object", `{"version":1,"variables":[1]}`},
		{"truncated", `{"version":1,"variables":{"a":`},
		{"bad side channel", `{"version":1,"variables":{},"sideChannel":{"http":"nope"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeHandoff([]byte(tt.input)); err == nil {
				t.Errorf("DecodeHandoff(%s) expected error", tt.input)
			}
		})
	}
}

func TestDecodeHandoffNullSections(t *testing.T) {
	h, err := DecodeHandoff([]byte(`{"version":1,"variables":null,"sideChannel":null}`))
	if err != nil {
		t.Fatalf("DecodeHandoff: %v", err)
	}
	if h.Variables.Len() != 0 || !h.SideChannel.Empty() {
		t.Errorf("expected empty handoff, got %+v", h)
	}
}

func TestWriteHandoffLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := WriteHandoff(filepath.Join(dir, HandoffFileName), New(), SideChannel{}); err != nil {
		t.Fatalf("WriteHandoff: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != HandoffFileName {
		t.Errorf("unexpected files: %v", entries)
	}
}
