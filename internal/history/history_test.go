package history

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordMostRecentFirst(t *testing.T) {
	s := NewMemory()
	for _, q := range []string{"select 1", "select 2", "select 3"} {
		if _, err := s.Record(Entry{SQL: q, Connection: "db"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	got := s.List()
	if len(got) != 3 || got[0].SQL != "select 3" || got[2].SQL != "select 1" {
		t.Fatalf("List() order = %+v", got)
	}
	for _, e := range got {
		if e.ID == "" || e.RecordedAt.IsZero() {
			t.Errorf("entry missing id or time: %+v", e)
		}
	}
}

func TestRecordDuplicateKeepsSlot(t *testing.T) {
	s := NewMemory()
	first, _ := s.Record(Entry{SQL: "select 1", Connection: "db"})
	_, _ = s.Record(Entry{SQL: "select 2", Connection: "db"})
	_, _ = s.Record(Entry{SQL: "select 1", Connection: "other"})

	updated, err := s.Record(Entry{SQL: "  select 1\n", Connection: "db", Result: Result{Status: "executed", RowCount: 7}})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if updated.ID != first.ID {
		t.Errorf("duplicate got new id %q, want %q", updated.ID, first.ID)
	}

	got := s.List()
	if len(got) != 3 {
		t.Fatalf("Len = %d, want 3", len(got))
	}
	if got[2].ID != first.ID || got[2].Result.RowCount != 7 {
		t.Errorf("duplicate not updated in place: %+v", got[2])
	}
}

func TestRecordCap(t *testing.T) {
	s := NewMemory()
	for i := 0; i < MaxEntries+5; i++ {
		_, _ = s.Record(Entry{SQL: fmt.Sprintf("select %d", i), Connection: "db"})
	}
	got := s.List()
	if len(got) != MaxEntries {
		t.Fatalf("Len = %d, want %d", len(got), MaxEntries)
	}
	if want := fmt.Sprintf("select %d", MaxEntries+4); got[0].SQL != want {
		t.Errorf("newest = %q, want %q", got[0].SQL, want)
	}
	if got[MaxEntries-1].SQL != "select 5" {
		t.Errorf("oldest = %q, want select 5", got[MaxEntries-1].SQL)
	}
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", FileName)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(missing): %v", err)
	}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := s.Record(Entry{SQL: "select 1", Connection: "db", Variables: map[string]any{"x": "y"}, RecordedAt: at}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := reopened.List()
	if len(got) != 1 || got[0].SQL != "select 1" || !got[0].RecordedAt.Equal(at) || got[0].Variables["x"] != "y" {
		t.Fatalf("reloaded = %+v", got)
	}

	if err := reopened.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	again, err := Open(path)
	if err != nil {
		t.Fatalf("Open after clear: %v", err)
	}
	if again.Len() != 0 {
		t.Errorf("Len after clear = %d", again.Len())
	}
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open(corrupt) succeeded, want error")
	}
}
